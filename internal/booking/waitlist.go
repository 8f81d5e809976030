package booking

import (
	"context"
	"fmt"

	"github.com/loadzone/loadzone/internal/notify"
	"github.com/loadzone/loadzone/internal/store"
)

// Join appends email to a resource's waitlist and returns its 1-based
// position. Joining twice is idempotent: the existing position comes back
// and the queue does not grow. The current owner, if any, is notified that
// a queue formed.
func (s *Service) Join(ctx context.Context, id, email string) (store.JoinResult, error) {
	result, err := s.store.Join(ctx, id, email)
	if err != nil {
		return store.JoinResult{}, err
	}
	if result.AlreadyQueued {
		return result, nil
	}
	s.logger.Info("waitlist.joined", "resource", id, "requester", email, "position", result.Position)

	if result.Owner != "" {
		s.sink.Emit(notify.Event{
			Name:     notify.EventQueueJoined,
			Message:  fmt.Sprintf("%s joined the waitlist for %s", email, id),
			Target:   result.Owner,
			Resource: id,
		})
		s.mailer.Notify(result.Owner,
			fmt.Sprintf("[LoadZone] Waitlist formed for your resource %s", id),
			fmt.Sprintf("%s joined the waitlist for resource %s.", email, id),
		)
	}
	return result, nil
}

// Leave removes email from a resource's waitlist; remaining entries are
// renumbered densely in the same transaction.
func (s *Service) Leave(ctx context.Context, id, email string) error {
	if err := s.store.Leave(ctx, id, email); err != nil {
		return err
	}
	s.logger.Info("waitlist.left", "resource", id, "requester", email)
	return nil
}
