package query

import (
	"errors"

	"github.com/mailtide/jmap-api/internal/store"
)

// ErrTooManyChanges is returned when the delta exceeds maxChanges; the
// caller turns it into a cannotCalculateChanges error.
var ErrTooManyChanges = errors.New("too many changes since requested state")

// AddedItem is one entry of the queryChanges added list.
type AddedItem struct {
	ID    string
	Index int
}

// ChangesParams bounds a queryChanges computation.
type ChangesParams struct {
	Since      int64
	MaxChanges int
	// UpToID stops further reporting once that row has been processed;
	// total counting continues.
	UpToID string
	// Collapse enables the thread-collapsed mode; ThreadOf must then map a
	// record to its thread id.
	Collapse bool
	ThreadOf func(rec *store.Record) string
}

// ComputeQueryChanges reconstructs the delta between the query result at
// p.Since and now. rows must be every record of the type, active and
// inactive, already in the current sort order. match evaluates the query
// filter (without the active check; that is applied here). Replaying removed
// then added onto the client's previous list yields the current list.
func ComputeQueryChanges(rows []*store.Record, match func(rec *store.Record) (bool, error), p ChangesParams) (removed []string, added []AddedItem, total int, err error) {
	if p.Collapse {
		return collapsedChanges(rows, match, p)
	}
	return flatChanges(rows, match, p)
}

func flatChanges(rows []*store.Record, match func(rec *store.Record) (bool, error), p ChangesParams) (removed []string, added []AddedItem, total int, err error) {
	removed = []string{}
	added = []AddedItem{}
	reporting := true

	for _, rec := range rows {
		isIn := false
		if rec.Active {
			isIn, err = match(rec)
			if err != nil {
				return nil, nil, 0, err
			}
		}
		if isIn {
			total++
		}

		if reporting && rec.Changed() > p.Since {
			removed = append(removed, rec.ID)
			if isIn {
				added = append(added, AddedItem{ID: rec.ID, Index: total - 1})
			}
			if p.MaxChanges > 0 && len(removed)+len(added) > p.MaxChanges {
				return nil, nil, 0, ErrTooManyChanges
			}
		}

		if p.UpToID != "" && rec.ID == p.UpToID {
			reporting = false
		}
	}
	return removed, added, total, nil
}

// collapsedChanges handles the thread-collapsed case: only each thread's
// exemplar (its first in-filter row under the current sort) is in the list.
// A thread is finished as soon as an unchanged in-filter row is seen: every
// earlier row of the thread was already reported or is invisible to the
// client, so per-thread reporting can stop there.
func collapsedChanges(rows []*store.Record, match func(rec *store.Record) (bool, error), p ChangesParams) (removed []string, added []AddedItem, total int, err error) {
	removed = []string{}
	added = []AddedItem{}
	exemplar := make(map[string]string)
	finished := make(map[string]bool)
	reporting := true

	for _, rec := range rows {
		threadID := p.ThreadOf(rec)
		if finished[threadID] {
			continue
		}

		isIn := false
		if rec.Active {
			isIn, err = match(rec)
			if err != nil {
				return nil, nil, 0, err
			}
		}
		if isIn {
			if _, ok := exemplar[threadID]; !ok {
				exemplar[threadID] = rec.ID
				total++
			}
		}
		isExemplar := isIn && exemplar[threadID] == rec.ID

		if rec.Changed() > p.Since {
			if reporting {
				removed = append(removed, rec.ID)
				if isExemplar {
					added = append(added, AddedItem{ID: rec.ID, Index: total - 1})
				}
			}
		} else if isIn {
			if !isExemplar && reporting {
				// The client may have had this row as the thread's exemplar;
				// retract it in favour of the current one.
				removed = append(removed, rec.ID)
			}
			finished[threadID] = true
		}

		if p.MaxChanges > 0 && len(removed)+len(added) > p.MaxChanges {
			return nil, nil, 0, ErrTooManyChanges
		}
		if p.UpToID != "" && rec.ID == p.UpToID {
			reporting = false
		}
	}
	return removed, added, total, nil
}
