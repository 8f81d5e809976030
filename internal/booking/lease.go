package booking

import (
	"context"
	"fmt"

	"github.com/loadzone/loadzone/internal/models"
	"github.com/loadzone/loadzone/internal/notify"
)

const (
	minLeaseHours = 1
	maxLeaseHours = 24
)

// ClampHours bounds a requested lease duration to [1,24] hours.
// Non-positive or absurd values collapse to the bounds, never to an error.
func ClampHours(hours int) int {
	if hours < minLeaseHours {
		return minLeaseHours
	}
	if hours > maxLeaseHours {
		return maxLeaseHours
	}
	return hours
}

// Book leases a free resource to email for hours (clamped). On success the
// updated snapshot is returned, a broadcast event goes out, and the
// scheduler re-derives its timers.
func (s *Service) Book(ctx context.Context, id, email string, hours int) (*models.Resource, error) {
	hours = ClampHours(hours)
	res, err := s.store.Book(ctx, id, email, hours)
	if err != nil {
		return nil, err
	}
	s.logger.Info("lease.booked", "resource", id, "owner", email, "expires_at", res.ExpiresAt)
	s.sink.Emit(notify.Event{
		Name:     notify.EventBooked,
		Message:  fmt.Sprintf("%s booked %s until %s", email, id, res.ExpiresAt),
		Resource: id,
	})
	s.rederive(ctx)
	return res, nil
}

// Renew extends an owned lease by hours (clamped), additive on the stored
// expiry.
func (s *Service) Renew(ctx context.Context, id, email string, hours int) (*models.Resource, error) {
	hours = ClampHours(hours)
	res, err := s.store.Renew(ctx, id, email, hours)
	if err != nil {
		return nil, err
	}
	s.logger.Info("lease.renewed", "resource", id, "owner", email, "expires_at", res.ExpiresAt)
	s.sink.Emit(notify.Event{
		Name:     notify.EventRenewed,
		Message:  fmt.Sprintf("%s renewed %s until %s", email, id, res.ExpiresAt),
		Resource: id,
	})
	s.rederive(ctx)
	return res, nil
}

// Cancel clears an owned lease, drops the resource's pending timers
// synchronously, and re-derives.
func (s *Service) Cancel(ctx context.Context, id, email string) error {
	if err := s.store.Cancel(ctx, id, email); err != nil {
		return err
	}
	s.dropTimers(id)
	s.logger.Info("lease.cancelled", "resource", id, "owner", email)
	s.sink.Emit(notify.Event{
		Name:     notify.EventCancelled,
		Message:  fmt.Sprintf("%s cancelled the lease on %s", email, id),
		Resource: id,
	})
	s.rederive(ctx)
	return nil
}

// Release is the system-initiated release: expiry reached, sweep, or
// administrative action. It clears the lease regardless of owner, pops the
// waitlist head, and notifies the popped requester that the resource is
// theirs to book. A vanished resource is a no-op.
func (s *Service) Release(ctx context.Context, id string) error {
	result, err := s.store.Release(ctx, id)
	if err != nil {
		return err
	}
	if !result.Released {
		return nil
	}
	s.dropTimers(id)
	s.logger.Info("lease.released", "resource", id, "owner", result.Owner, "next", result.Next)

	if result.Next != "" {
		s.sink.Emit(notify.Event{
			Name:     notify.EventReleased,
			Message:  fmt.Sprintf("Resource %s is free, you can book it now", id),
			Target:   result.Next,
			Resource: id,
		})
		s.mailer.Notify(result.Next,
			fmt.Sprintf("[LoadZone] Resource %s released", id),
			fmt.Sprintf("Resource %s has been released. You are first in the waitlist and can book it now.", id),
		)
	}
	s.sink.Emit(notify.Event{
		Name:     notify.EventReleased,
		Message:  fmt.Sprintf("Resource %s released", id),
		Resource: id,
	})
	return nil
}
