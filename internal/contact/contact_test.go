package contact

import (
	"context"
	"reflect"
	"testing"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/resultref"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/store/memstore"
	"github.com/mailtide/jmap-api/internal/verb"
)

func newRequest(st *memstore.Store) *dispatcher.Request {
	return &dispatcher.Request{
		Store:      st,
		Account:    "user-1",
		Log:        resultref.NewLog(),
		CreatedIDs: make(map[string]string),
	}
}

func seedContact(t *testing.T, st *memstore.Store, id string, props map[string]any) {
	t.Helper()
	if _, err := st.Create(context.Background(), "user-1", store.KindContact, id, props); err != nil {
		t.Fatal(err)
	}
}

func TestContactQueryByNameAndEmail(t *testing.T) {
	st := memstore.New()
	seedContact(t, st, "c1", map[string]any{
		"firstName": "Ada", "lastName": "Lovelace",
		"emails": []any{map[string]any{"value": "ada@example.com"}},
	})
	seedContact(t, st, "c2", map[string]any{
		"firstName": "Grace", "lastName": "Hopper",
		"emails": []any{map[string]any{"value": "grace@example.com"}},
	})

	payload, methodErr := verb.Query(context.Background(), newRequest(st), ContactType(), map[string]any{
		"filter": map[string]any{"email": "ada@"},
	})
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	if !reflect.DeepEqual(payload["ids"], []any{"c1"}) {
		t.Errorf("ids = %v, want [c1]", payload["ids"])
	}

	payload, methodErr = verb.Query(context.Background(), newRequest(st), ContactType(), map[string]any{
		"filter": map[string]any{"text": "hopper"},
	})
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	if !reflect.DeepEqual(payload["ids"], []any{"c2"}) {
		t.Errorf("ids = %v, want [c2]", payload["ids"])
	}
}

func TestContactDefaultSortByLastName(t *testing.T) {
	st := memstore.New()
	seedContact(t, st, "c1", map[string]any{"lastName": "Zuse"})
	seedContact(t, st, "c2", map[string]any{"lastName": "Babbage"})

	payload, methodErr := verb.Query(context.Background(), newRequest(st), ContactType(), map[string]any{})
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	if !reflect.DeepEqual(payload["ids"], []any{"c2", "c1"}) {
		t.Errorf("ids = %v, want lastName order", payload["ids"])
	}
}

func TestGroupCreateResolvesAndValidatesMembers(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	seedContact(t, st, "c1", map[string]any{"lastName": "Lovelace"})

	req := newRequest(st)
	req.CreatedIDs["new-contact"] = "c1"

	payload, _, methodErr := verb.Set(ctx, req, GroupType(), map[string]any{
		"create": map[string]any{"g1": map[string]any{
			"name":       "Pioneers",
			"contactIds": []any{"#new-contact"},
		}},
	})
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	created := payload["created"].(map[string]any)
	groupID := created["g1"].(map[string]any)["id"].(string)
	rec, err := st.GetOne(ctx, "user-1", store.KindContactGroup, groupID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rec.Properties["contactIds"], []any{"c1"}) {
		t.Errorf("contactIds = %v, want resolved [c1]", rec.Properties["contactIds"])
	}

	payload, _, methodErr = verb.Set(ctx, newRequest(st), GroupType(), map[string]any{
		"create": map[string]any{"g2": map[string]any{
			"name":       "Ghosts",
			"contactIds": []any{"missing"},
		}},
	})
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	failure := payload["notCreated"].(map[string]any)["g2"].(verb.SetError)
	if failure["type"] != "invalidProperties" {
		t.Errorf("notCreated[g2] = %v", failure)
	}
}

func TestAddressbookDestroyBlockedByContacts(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	if _, err := st.Create(ctx, "user-1", store.KindAddressbook, "personal", map[string]any{"name": "Personal"}); err != nil {
		t.Fatal(err)
	}
	seedContact(t, st, "c1", map[string]any{"addressbookId": "personal"})

	payload, _, methodErr := verb.Set(ctx, newRequest(st), AddressbookType(), map[string]any{
		"destroy": []any{"personal"},
	})
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	failure := payload["notDestroyed"].(map[string]any)["personal"].(verb.SetError)
	if failure["type"] != "addressbookHasContents" {
		t.Errorf("notDestroyed = %v, want addressbookHasContents", failure)
	}

	payload, _, methodErr = verb.Set(ctx, newRequest(st), AddressbookType(), map[string]any{
		"destroy":                 []any{"personal"},
		"onDestroyRemoveContents": true,
	})
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	if !reflect.DeepEqual(payload["destroyed"], []any{"personal"}) {
		t.Fatalf("destroyed = %v", payload["destroyed"])
	}
	contact, err := st.GetOne(ctx, "user-1", store.KindContact, "c1")
	if err != nil || contact.Active {
		t.Error("c1 should be destroyed with its addressbook")
	}
}
