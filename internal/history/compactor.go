// Package history prunes the audit log under a staleness-plus-pairing
// rule while preserving everything needed to answer what is currently
// true.
package history

import (
	"context"
	"sort"
	"time"

	"pkt.systems/pslog"

	"github.com/loadzone/loadzone/internal/clock"
	"github.com/loadzone/loadzone/internal/models"
	"github.com/loadzone/loadzone/internal/store"
)

// RetentionWindow is how long a record stays relevant after its window
// closes.
const RetentionWindow = time.Hour

// Plan decides which records survive compaction at the given cutoff.
//
// Per (requester, resource) pair, ordered by start:
//   - cancel/release records are kept while their start is at or after the
//     cutoff;
//   - book records are kept while their end is missing or at or after the
//     cutoff;
//   - everything else (login, renew, deleted) is kept while its start is
//     missing or at or after the cutoff;
//   - additionally, a cancel/release older than the cutoff drags down every
//     earlier book record of the pair, since together they form one
//     completed episode. A stale book with no later terminal record
//     survives on its own rule; one with a stale terminal does not.
func Plan(records []models.HistoryRecord, cutoff time.Time) []models.HistoryRecord {
	type pairKey struct {
		email    string
		resource string
	}
	groups := make(map[pairKey][]models.HistoryRecord)
	var order []pairKey
	for _, rec := range records {
		key := pairKey{rec.Email, rec.ResourceID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	startOf := func(rec models.HistoryRecord) time.Time {
		if t, ok := rec.StartTime(); ok {
			return t
		}
		return time.Unix(0, 0).UTC()
	}

	var survivors []models.HistoryRecord
	for _, key := range order {
		events := groups[key]
		sort.SliceStable(events, func(i, j int) bool {
			return startOf(events[i]).Before(startOf(events[j]))
		})

		keep := make(map[string]bool, len(events))
		for _, ev := range events {
			switch ev.Action {
			case models.ActionCancel, models.ActionRelease:
				if s, ok := ev.StartTime(); ok && s.Before(cutoff) {
					continue
				}
				keep[ev.ID] = true
			case models.ActionBook:
				if e, ok := ev.EndTime(); ok && e.Before(cutoff) {
					continue
				}
				keep[ev.ID] = true
			default:
				if s, ok := ev.StartTime(); ok && s.Before(cutoff) {
					continue
				}
				keep[ev.ID] = true
			}
		}

		// A stale terminal event erases the episode it closed.
		for _, ev := range events {
			if ev.Action != models.ActionCancel && ev.Action != models.ActionRelease {
				continue
			}
			terminalAt, ok := ev.StartTime()
			if !ok || !terminalAt.Before(cutoff) {
				continue
			}
			for _, book := range events {
				if book.Action != models.ActionBook {
					continue
				}
				if !startOf(book).After(terminalAt) {
					delete(keep, book.ID)
				}
			}
			delete(keep, ev.ID)
		}

		for _, ev := range events {
			if keep[ev.ID] {
				survivors = append(survivors, ev)
			}
		}
	}
	return survivors
}

// Compactor rewrites the history table under the Plan policy. It is the
// only mutator that deletes or rewrites history records.
type Compactor struct {
	store  *store.Store
	clock  clock.Clock
	logger pslog.Logger
}

// NewCompactor creates a compactor.
func NewCompactor(st *store.Store, clk clock.Clock, logger pslog.Logger) *Compactor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Compactor{store: st, clock: clk, logger: logger}
}

// Run loads the full history, plans survivors against now minus the
// retention window, and atomically rewrites the table.
func (c *Compactor) Run(ctx context.Context) error {
	records, err := c.store.AllHistory(ctx)
	if err != nil {
		return err
	}
	cutoff := c.clock.Now().Add(-RetentionWindow)
	survivors := Plan(records, cutoff)
	if len(survivors) == len(records) {
		return nil
	}
	if err := c.store.RewriteHistory(ctx, survivors); err != nil {
		return err
	}
	c.logger.Info("history.compacted", "before", len(records), "after", len(survivors))
	return nil
}
