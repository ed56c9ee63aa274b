// Package contact implements the Addressbook, Contact, and ContactGroup
// data types.
package contact

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/verb"
)

// Register installs the contact methods.
func Register(registry *dispatcher.Registry) {
	verb.RegisterStandard(registry, AddressbookType(), "get", "changes", "set")
	verb.RegisterStandard(registry, ContactType(), "get", "changes", "query", "set")
	verb.RegisterStandard(registry, GroupType(), "get", "changes", "set")
}

// AddressbookType returns the Addressbook capability set.
func AddressbookType() *verb.Type {
	return &verb.Type{
		Name: "Addressbook",
		Kind: store.KindAddressbook,
		Sync: func(ctx context.Context, req *dispatcher.Request) error {
			return req.Store.SyncAddressbooks(ctx, req.Account)
		},
		CheckCreate: func(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
			if name, _ := props["name"].(string); name == "" {
				return verb.NewSetError("invalidProperties", "name is required")
			}
			return nil
		},
		CheckDestroy: checkAddressbookDestroy,
	}
}

func checkAddressbookDestroy(ctx context.Context, req *dispatcher.Request, rec *store.Record, args map[string]any) verb.SetError {
	contacts, err := req.Store.GetAll(ctx, req.Account, store.KindContact)
	if err != nil {
		return verb.NewSetError("serverError", err.Error())
	}
	var owned []*store.Record
	for _, contact := range contacts {
		if contact.Active && contact.String("addressbookId") == rec.ID {
			owned = append(owned, contact)
		}
	}
	if len(owned) == 0 {
		return nil
	}
	if remove, _ := args["onDestroyRemoveContents"].(bool); !remove {
		return verb.NewSetError("addressbookHasContents", "addressbook still contains contacts")
	}
	for _, contact := range owned {
		if err := req.Store.Destroy(ctx, req.Account, store.KindContact, contact.ID); err != nil {
			return verb.NewSetError("serverError", err.Error())
		}
	}
	return nil
}

// ContactType returns the Contact capability set.
func ContactType() *verb.Type {
	return &verb.Type{
		Name:        "Contact",
		Kind:        store.KindContact,
		Match:       matchContact,
		Compare:     compareContact,
		DefaultSort: []query.Comparator{{Property: "lastName", IsAscending: true}},
		Sync: func(ctx context.Context, req *dispatcher.Request) error {
			return req.Store.SyncAddressbooks(ctx, req.Account)
		},
		CheckCreate: checkContactCreate,
	}
}

func matchContact(s *query.Scratch, rec *store.Record, cond map[string]any) (bool, error) {
	for key, value := range cond {
		var ok bool
		switch key {
		case "inAddressbook":
			id, isString := value.(string)
			ok = isString && rec.String("addressbookId") == id
		case "firstName", "lastName":
			term, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("%s must be a string", key)
			}
			ok = containsFold(rec.String(key), term)
		case "email":
			term, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("email must be a string")
			}
			ok = matchContactEmail(rec, term)
		case "text":
			term, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("text must be a string")
			}
			ok = containsFold(rec.String("firstName"), term) ||
				containsFold(rec.String("lastName"), term) ||
				containsFold(rec.String("company"), term) ||
				matchContactEmail(rec, term)
		default:
			return false, fmt.Errorf("unsupported contact filter %q", key)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func containsFold(haystack, term string) bool {
	return strings.Contains(store.NormalizeTerm(haystack), store.NormalizeTerm(term))
}

func matchContactEmail(rec *store.Record, term string) bool {
	emails, _ := rec.Properties["emails"].([]any)
	for _, raw := range emails {
		entry, _ := raw.(map[string]any)
		if value, _ := entry["value"].(string); containsFold(value, term) {
			return true
		}
	}
	return false
}

func compareContact(s *query.Scratch, a, b *store.Record, c query.Comparator) (int, error) {
	switch c.Property {
	case "firstName", "lastName":
		return query.CompareStrings(a.String(c.Property), b.String(c.Property)), nil
	default:
		return 0, fmt.Errorf("unsupported contact sort property %q", c.Property)
	}
}

func checkContactCreate(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	if raw, ok := props["addressbookId"]; ok {
		id, _ := raw.(string)
		id = req.ResolveID(id)
		props["addressbookId"] = id
		book, err := req.Store.GetOne(ctx, req.Account, store.KindAddressbook, id)
		if err != nil || !book.Active {
			return verb.NewSetError("invalidProperties", "addressbook "+id+" does not exist")
		}
	}
	return nil
}

// GroupType returns the ContactGroup capability set. A group is a named list
// of contact ids.
func GroupType() *verb.Type {
	return &verb.Type{
		Name: "ContactGroup",
		Kind: store.KindContactGroup,
		Sync: func(ctx context.Context, req *dispatcher.Request) error {
			return req.Store.SyncAddressbooks(ctx, req.Account)
		},
		CheckCreate: checkGroupCreate,
		CheckUpdate: checkGroupUpdate,
	}
}

func checkGroupCreate(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	if name, _ := props["name"].(string); name == "" {
		return verb.NewSetError("invalidProperties", "name is required")
	}
	return resolveGroupMembers(ctx, req, props)
}

func checkGroupUpdate(ctx context.Context, req *dispatcher.Request, rec *store.Record, patch map[string]any) verb.SetError {
	if name, ok := patch["name"]; ok {
		if s, _ := name.(string); s == "" {
			return verb.NewSetError("invalidProperties", "name must not be empty")
		}
	}
	return resolveGroupMembers(ctx, req, patch)
}

func resolveGroupMembers(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	raw, ok := props["contactIds"]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return verb.NewSetError("invalidProperties", "contactIds must be a list")
	}
	resolved := make([]any, 0, len(list))
	for _, elem := range list {
		id, ok := elem.(string)
		if !ok {
			return verb.NewSetError("invalidProperties", "contactIds must be a list of strings")
		}
		id = req.ResolveID(id)
		contact, err := req.Store.GetOne(ctx, req.Account, store.KindContact, id)
		if err != nil || !contact.Active {
			return verb.NewSetError("invalidProperties", "contact "+id+" does not exist")
		}
		resolved = append(resolved, id)
	}
	props["contactIds"] = resolved
	return nil
}
