package submission

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

func seedDraft(t *testing.T, st *memstore.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.Create(ctx, "user-1", store.KindMailbox, "drafts", map[string]any{"name": "Drafts"}); err != nil {
		if _, err2 := st.GetOne(ctx, "user-1", store.KindMailbox, "drafts"); err2 != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.Create(ctx, "user-1", store.KindEmail, id, map[string]any{
		"threadId":   "t-" + id,
		"mailboxIds": map[string]any{"drafts": true},
		"keywords":   map[string]any{"$draft": true},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSetCreateRequiresExistingEmail(t *testing.T) {
	st := memstore.New()
	handler := setHandler(Type())

	responses, methodErr := handler(context.Background(), newRequest(st), map[string]any{
		"create": map[string]any{"s1": map[string]any{"emailId": "missing"}},
	}, "c0")
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	failure := responses[0].Args["notCreated"].(map[string]any)["s1"].(verb.SetError)
	if failure["type"] != "invalidProperties" {
		t.Errorf("notCreated[s1] = %v", failure)
	}
}

func TestSetCreateCopiesThreadAndServerSets(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	seedDraft(t, st, "e1")
	handler := setHandler(Type())

	responses, methodErr := handler(ctx, newRequest(st), map[string]any{
		"create": map[string]any{"s1": map[string]any{"emailId": "e1"}},
	}, "c0")
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	created := responses[0].Args["created"].(map[string]any)
	serverSet := created["s1"].(map[string]any)
	if serverSet["undoStatus"] != "final" {
		t.Errorf("undoStatus = %v, want final", serverSet["undoStatus"])
	}
	if serverSet["sentAt"] == "" {
		t.Error("sentAt should be server-set")
	}
	rec, err := st.GetOne(ctx, "user-1", store.KindEmailSubmission, serverSet["id"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if rec.String("threadId") != "t-e1" {
		t.Errorf("threadId = %q, want copied from the message", rec.String("threadId"))
	}
}

func TestSetOnSuccessUpdateEmailEmitsImpliedSet(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	seedDraft(t, st, "e1")
	handler := setHandler(Type())

	responses, methodErr := handler(ctx, newRequest(st), map[string]any{
		"create": map[string]any{"s1": map[string]any{"emailId": "e1"}},
		"onSuccessUpdateEmail": map[string]any{
			"#s1": map[string]any{"keywords/$draft": nil},
		},
	}, "c0")
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	if len(responses) != 2 {
		t.Fatalf("len(responses) = %d, want submission set plus implied Email/set", len(responses))
	}
	if responses[1].Name != "Email/set" {
		t.Fatalf("responses[1].Name = %q, want Email/set", responses[1].Name)
	}
	if _, ok := responses[1].Args["updated"].(map[string]any)["e1"]; !ok {
		t.Errorf("implied set updated = %v, want e1", responses[1].Args["updated"])
	}

	rec, err := st.GetOne(ctx, "user-1", store.KindEmail, "e1")
	if err != nil {
		t.Fatal(err)
	}
	keywords := rec.Properties["keywords"].(map[string]any)
	if _, still := keywords["$draft"]; still {
		t.Error("$draft keyword should be removed by the implied set")
	}
}

func TestSetOnSuccessConfinedToSucceededSubmissions(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	seedDraft(t, st, "e1")
	handler := setHandler(Type())

	responses, methodErr := handler(ctx, newRequest(st), map[string]any{
		"create": map[string]any{
			"good": map[string]any{"emailId": "e1"},
			"bad":  map[string]any{"emailId": "missing"},
		},
		"onSuccessDestroyEmail": []any{"#good", "#bad"},
	}, "c0")
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	if len(responses) != 2 {
		t.Fatalf("len(responses) = %d, want 2", len(responses))
	}
	if !reflect.DeepEqual(responses[1].Args["destroyed"], []any{"e1"}) {
		t.Errorf("implied destroyed = %v, want only the succeeded submission's message", responses[1].Args["destroyed"])
	}
}

func TestSetOnSuccessCoversDestroyedSubmission(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	seedDraft(t, st, "e1")
	handler := setHandler(Type())

	responses, methodErr := handler(ctx, newRequest(st), map[string]any{
		"create": map[string]any{"s1": map[string]any{"emailId": "e1"}},
	}, "c0")
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	sid := responses[0].Args["created"].(map[string]any)["s1"].(map[string]any)["id"].(string)

	responses, methodErr = handler(ctx, newRequest(st), map[string]any{
		"destroy":               []any{sid},
		"onSuccessDestroyEmail": []any{sid},
	}, "c1")
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	if len(responses) != 2 {
		t.Fatalf("len(responses) = %d, want submission set plus implied Email/set", len(responses))
	}
	if !reflect.DeepEqual(responses[0].Args["destroyed"], []any{sid}) {
		t.Fatalf("destroyed = %v, want [%s]", responses[0].Args["destroyed"], sid)
	}
	if responses[1].Name != "Email/set" {
		t.Fatalf("responses[1].Name = %q, want Email/set", responses[1].Name)
	}
	if !reflect.DeepEqual(responses[1].Args["destroyed"], []any{"e1"}) {
		t.Errorf("implied destroyed = %v, want [e1]", responses[1].Args["destroyed"])
	}
}

func TestSetUpdateUndoRules(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	if _, err := st.Create(ctx, "user-1", store.KindEmailSubmission, "sub-final", map[string]any{
		"emailId": "e1", "undoStatus": "final",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Create(ctx, "user-1", store.KindEmailSubmission, "sub-pending", map[string]any{
		"emailId": "e2", "undoStatus": "pending",
	}); err != nil {
		t.Fatal(err)
	}
	handler := setHandler(Type())

	responses, methodErr := handler(ctx, newRequest(st), map[string]any{
		"update": map[string]any{
			"sub-final":   map[string]any{"undoStatus": "canceled"},
			"sub-pending": map[string]any{"undoStatus": "canceled"},
		},
	}, "c0")
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	payload := responses[0].Args
	failure := payload["notUpdated"].(map[string]any)["sub-final"].(verb.SetError)
	if failure["type"] != "cannotUnsend" {
		t.Errorf("notUpdated[sub-final] = %v, want cannotUnsend", failure)
	}
	if _, ok := payload["updated"].(map[string]any)["sub-pending"]; !ok {
		t.Errorf("updated = %v, want sub-pending canceled", payload["updated"])
	}
}

func TestQueryFilterByUndoStatus(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	if _, err := st.Create(ctx, "user-1", store.KindEmailSubmission, "s1", map[string]any{
		"undoStatus": "pending", "sentAt": "2026-08-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Create(ctx, "user-1", store.KindEmailSubmission, "s2", map[string]any{
		"undoStatus": "final", "sentAt": "2026-08-02T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	payload, methodErr := verb.Query(ctx, newRequest(st), Type(), map[string]any{
		"filter": map[string]any{"undoStatus": "pending"},
	})
	if methodErr != nil {
		t.Fatalf("unexpected error: %v", methodErr)
	}
	if !reflect.DeepEqual(payload["ids"], []any{"s1"}) {
		t.Errorf("ids = %v, want [s1]", payload["ids"])
	}
}
