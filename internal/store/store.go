// Package store defines the narrow backing-store interface the method
// handlers depend on: keyed row access, per-type CRUD with soft delete, a
// monotonic per-type state vector, transactions, a per-type write lock, and
// hooks for external synchronization, text search, and blob reads.
package store

import (
	"context"
	"errors"
)

// Kind identifies a data type in the state vector and the row keyspace.
type Kind string

// Data type kinds. Thread has no rows of its own; it is derived from Email
// and shares Email's state token.
const (
	KindMailbox             Kind = "Mailbox"
	KindEmail               Kind = "Email"
	KindCalendar            Kind = "Calendar"
	KindCalendarEvent       Kind = "CalendarEvent"
	KindCalendarPreferences Kind = "CalendarPreferences"
	KindAddressbook         Kind = "Addressbook"
	KindContact             Kind = "Contact"
	KindContactGroup        Kind = "ContactGroup"
	KindEmailSubmission     Kind = "EmailSubmission"
	KindUserPreferences     Kind = "UserPreferences"
	KindClientPreferences   Kind = "ClientPreferences"
	KindVacationResponse    Kind = "VacationResponse"
	KindIdentity            Kind = "Identity"
	KindQuota               Kind = "Quota"
	KindStorageNode         Kind = "StorageNode"
)

// Errors returned by Store implementations.
var (
	ErrNotFound     = errors.New("record not found")
	ErrBlobNotFound = errors.New("blob not found")
)

// Record is the uniform shape of a stored object. Properties holds the
// type-specific payload as decoded JSON.
type Record struct {
	ID string
	// ModSeq is the state at the last substantive change to the record.
	ModSeq int64
	// CountsModSeq is the state at the last counts-only change. Only
	// mailboxes use it; zero elsewhere.
	CountsModSeq int64
	// Created is the state at which the record was created.
	Created int64
	// Active is false once the record has been soft-deleted.
	Active     bool
	Properties map[string]any
}

// Changed returns the record's effective modseq: the newest of its
// substantive and counts-only changes.
func (r *Record) Changed() int64 {
	if r.CountsModSeq > r.ModSeq {
		return r.CountsModSeq
	}
	return r.ModSeq
}

// String returns the string property named key, or "" when absent.
func (r *Record) String(key string) string {
	s, _ := r.Properties[key].(string)
	return s
}

// Number returns the numeric property named key, or 0 when absent.
func (r *Record) Number(key string) float64 {
	n, _ := r.Properties[key].(float64)
	return n
}

// Bool returns the boolean property named key, or false when absent.
func (r *Record) Bool(key string) bool {
	b, _ := r.Properties[key].(bool)
	return b
}

// Store is the backing-store capability set.
type Store interface {
	// Read transaction primitives around individual handler steps.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// BeginSuperlock acquires the process-wide write lock for one data type.
	// All state-bumping writes happen under it. The returned release func is
	// safe to call on every exit path.
	BeginSuperlock(ctx context.Context, accountID string, kind Kind) (func(), error)

	// Row reads. GetAll and GetSince return active and inactive records.
	GetAll(ctx context.Context, accountID string, kind Kind) ([]*Record, error)
	GetOne(ctx context.Context, accountID string, kind Kind, id string) (*Record, error)
	GetSince(ctx context.Context, accountID string, kind Kind, since int64) ([]*Record, error)

	// CRUD. Create and Update bump the type's state token; Destroy is a
	// soft delete that also bumps it. countsOnly marks a change that only
	// touched derived counters.
	Create(ctx context.Context, accountID string, kind Kind, id string, props map[string]any) (*Record, error)
	Update(ctx context.Context, accountID string, kind Kind, id string, props map[string]any, countsOnly bool) (*Record, error)
	Destroy(ctx context.Context, accountID string, kind Kind, id string) error

	// State vector. DeletedModSeq is the horizon below which /changes can no
	// longer be computed.
	State(ctx context.Context, accountID string, kind Kind) (int64, error)
	DeletedModSeq(ctx context.Context, accountID string) (int64, error)

	// External synchronization with the remote mail/calendar source.
	SyncFolders(ctx context.Context, accountID string) error
	SyncMail(ctx context.Context, accountID string) error
	SyncCalendars(ctx context.Context, accountID string) error
	SyncAddressbooks(ctx context.Context, accountID string) error

	// SearchMail runs an external text search over one field ("text",
	// "subject", "body", "from", ...) and returns the matching email ids.
	SearchMail(ctx context.Context, accountID, field, term string) (map[string]bool, error)

	// GetBlob fetches raw message bytes for Email/import.
	GetBlob(ctx context.Context, accountID, blobID string) ([]byte, error)
}
