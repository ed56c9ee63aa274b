// Package account implements the per-account auxiliary data types:
// preference singletons, the vacation responder, identities, quota, and the
// file storage tree.
package account

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/verb"
)

// Register installs the account auxiliary methods.
func Register(registry *dispatcher.Registry) {
	verb.RegisterStandard(registry, UserPreferencesType(), "get", "changes", "set")
	verb.RegisterStandard(registry, ClientPreferencesType(), "get", "changes", "set")
	verb.RegisterStandard(registry, VacationResponseType(), "get", "set")
	verb.RegisterStandard(registry, IdentityType(), "get", "changes")
	verb.RegisterStandard(registry, QuotaType(), "get")
	verb.RegisterStandard(registry, StorageNodeType(), "get", "changes", "query", "set")
}

// UserPreferencesType returns the UserPreferences singleton: settings that
// follow the user across devices.
func UserPreferencesType() *verb.Type {
	return &verb.Type{
		Name:      "UserPreferences",
		Kind:      store.KindUserPreferences,
		Singleton: true,
		SingletonDefault: func() map[string]any {
			return map[string]any{
				"language":        "en",
				"timeZone":        "Etc/UTC",
				"theme":           "auto",
				"emailsPerPage":   50.0,
				"showReadingPane": true,
				"excludeContactsFromBlocklist": false,
			}
		},
	}
}

// ClientPreferencesType returns the ClientPreferences singleton: per-client
// presentation state the server merely stores.
func ClientPreferencesType() *verb.Type {
	return &verb.Type{
		Name:      "ClientPreferences",
		Kind:      store.KindClientPreferences,
		Singleton: true,
		SingletonDefault: func() map[string]any {
			return map[string]any{
				"useSystemFont":            false,
				"enableKeyboardShortcuts":  true,
				"hideDeletedNotifications": false,
			}
		},
	}
}

// VacationResponseType returns the VacationResponse singleton.
func VacationResponseType() *verb.Type {
	return &verb.Type{
		Name:      "VacationResponse",
		Kind:      store.KindVacationResponse,
		Singleton: true,
		SingletonDefault: func() map[string]any {
			return map[string]any{
				"isEnabled": false,
				"fromDate":  nil,
				"toDate":    nil,
				"subject":   nil,
				"textBody":  nil,
				"htmlBody":  nil,
			}
		},
		CheckUpdate: func(ctx context.Context, req *dispatcher.Request, rec *store.Record, patch map[string]any) verb.SetError {
			if enabled, ok := patch["isEnabled"]; ok {
				if _, isBool := enabled.(bool); !isBool {
					return verb.NewSetError("invalidProperties", "isEnabled must be a boolean")
				}
			}
			return nil
		},
	}
}

// IdentityType returns the Identity singleton. Identities come from the
// account provisioning system and are read-only here.
func IdentityType() *verb.Type {
	return &verb.Type{
		Name:      "Identity",
		Kind:      store.KindIdentity,
		Singleton: true,
		SingletonDefault: func() map[string]any {
			return map[string]any{
				"name":          "",
				"email":         "",
				"replyTo":       nil,
				"bcc":           nil,
				"textSignature": "",
				"htmlSignature": "",
				"mayDelete":     false,
			}
		},
	}
}

// QuotaType returns the Quota singleton: storage accounting, read-only.
func QuotaType() *verb.Type {
	return &verb.Type{
		Name:      "Quota",
		Kind:      store.KindQuota,
		Singleton: true,
		SingletonDefault: func() map[string]any {
			return map[string]any{
				"resourceType": "octets",
				"used":         0.0,
				"hardLimit":    nil,
				"warnLimit":    nil,
				"scope":        "account",
			}
		},
	}
}

// StorageNodeType returns the StorageNode capability set: the user file
// tree (folders and stored files).
func StorageNodeType() *verb.Type {
	return &verb.Type{
		Name:        "StorageNode",
		Kind:        store.KindStorageNode,
		Match:       matchStorageNode,
		Compare:     compareStorageNode,
		DefaultSort: []query.Comparator{{Property: "name", IsAscending: true}},
		CheckCreate: checkStorageNodeCreate,
		CheckDestroy: func(ctx context.Context, req *dispatcher.Request, rec *store.Record, args map[string]any) verb.SetError {
			rows, err := req.Store.GetAll(ctx, req.Account, store.KindStorageNode)
			if err != nil {
				return verb.NewSetError("serverError", err.Error())
			}
			for _, other := range rows {
				if other.Active && other.String("parentId") == rec.ID {
					return verb.NewSetError("nodeHasChild", "destroy the children first")
				}
			}
			return nil
		},
	}
}

func matchStorageNode(s *query.Scratch, rec *store.Record, cond map[string]any) (bool, error) {
	for key, value := range cond {
		var ok bool
		switch key {
		case "parentId":
			if value == nil {
				ok = rec.Properties["parentId"] == nil
			} else {
				id, isString := value.(string)
				ok = isString && rec.String("parentId") == id
			}
		case "name":
			term, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("name filter must be a string")
			}
			ok = containsFold(rec.String("name"), term)
		case "minSize":
			n, isNumber := value.(float64)
			if !isNumber {
				return false, fmt.Errorf("minSize must be a number")
			}
			ok = rec.Number("size") >= n
		case "hasBlob":
			want, isBool := value.(bool)
			if !isBool {
				return false, fmt.Errorf("hasBlob must be a boolean")
			}
			ok = (rec.String("blobId") != "") == want
		default:
			return false, fmt.Errorf("unsupported storage filter %q", key)
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

func compareStorageNode(s *query.Scratch, a, b *store.Record, c query.Comparator) (int, error) {
	switch c.Property {
	case "name":
		return query.CompareStrings(a.String("name"), b.String("name")), nil
	case "size":
		return query.CompareNumbers(a.Number("size"), b.Number("size")), nil
	default:
		return 0, fmt.Errorf("unsupported storage sort property %q", c.Property)
	}
}

func checkStorageNodeCreate(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	if name, _ := props["name"].(string); name == "" {
		return verb.NewSetError("invalidProperties", "name is required")
	}
	if raw, ok := props["parentId"]; ok && raw != nil {
		id, _ := raw.(string)
		id = req.ResolveID(id)
		props["parentId"] = id
		parent, err := req.Store.GetOne(ctx, req.Account, store.KindStorageNode, id)
		if err != nil || !parent.Active {
			return verb.NewSetError("invalidProperties", "parentId does not exist")
		}
	}
	if _, ok := props["size"]; !ok {
		props["size"] = 0.0
	}
	return nil
}
