// Package booking owns the lease and waitlist lifecycle of resources:
// book, renew, cancel, system release, deletion, and FIFO waitlist
// membership. Every mutation runs in a single store transaction; events
// and mail go out only after the transaction commits.
package booking

import (
	"context"

	"pkt.systems/pslog"

	"github.com/loadzone/loadzone/internal/clock"
	"github.com/loadzone/loadzone/internal/models"
	"github.com/loadzone/loadzone/internal/notify"
	"github.com/loadzone/loadzone/internal/store"
)

// Rescheduler is the scheduler surface the booking service drives after
// lease-affecting mutations.
type Rescheduler interface {
	// Rederive rebuilds all pending timers from current lease state.
	Rederive(ctx context.Context)
	// Drop synchronously cancels any pending timers for a resource.
	Drop(resourceID string)
}

// Service provides the lease and waitlist operations.
type Service struct {
	store  *store.Store
	sink   notify.Sink
	mailer notify.Mailer
	clock  clock.Clock
	logger pslog.Logger
	sched  Rescheduler
}

// New creates the booking service. The scheduler is attached later with
// SetScheduler because it needs the service for its release path.
func New(st *store.Store, sink notify.Sink, mailer notify.Mailer, clk clock.Clock, logger pslog.Logger) *Service {
	if sink == nil {
		sink = notify.NopSink{}
	}
	if mailer == nil {
		mailer = notify.NopMailer{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Service{
		store:  st,
		sink:   sink,
		mailer: mailer,
		clock:  clk,
		logger: logger,
	}
}

// SetScheduler attaches the reconciliation scheduler.
func (s *Service) SetScheduler(sched Rescheduler) {
	s.sched = sched
}

func (s *Service) rederive(ctx context.Context) {
	if s.sched != nil {
		s.sched.Rederive(ctx)
	}
}

func (s *Service) dropTimers(resourceID string) {
	if s.sched != nil {
		s.sched.Drop(resourceID)
	}
}

// Authenticate records a requester identity, creating it idempotently,
// and appends a login record.
func (s *Service) Authenticate(ctx context.Context, email string) error {
	if err := s.store.EnsureRequester(ctx, email); err != nil {
		return err
	}
	return s.store.AppendHistory(ctx, email, "", s.clock.Now(), "", models.ActionLogin)
}

// Me returns whether the requester is known, with their history records.
func (s *Service) Me(ctx context.Context, email string) (bool, []models.HistoryRecord, error) {
	exists, err := s.store.RequesterExists(ctx, email)
	if err != nil || !exists {
		return false, nil, err
	}
	records, err := s.store.HistoryFor(ctx, email)
	if err != nil {
		return false, nil, err
	}
	return true, records, nil
}

// Get returns a resource snapshot.
func (s *Service) Get(ctx context.Context, id string) (*models.Resource, error) {
	return s.store.GetResource(ctx, id)
}

// List returns all resources with their waitlists.
func (s *Service) List(ctx context.Context) ([]models.Resource, error) {
	return s.store.ListResources(ctx)
}

// CreateResource registers a new leasable resource.
func (s *Service) CreateResource(ctx context.Context, id string, groupID *int64, externalAddr, internalAddr string) (*models.Resource, error) {
	res, err := s.store.CreateResource(ctx, id, groupID, externalAddr, internalAddr)
	if err != nil {
		return nil, err
	}
	s.logger.Info("resource.created", "resource", id)
	s.sink.Emit(notify.Event{
		Name:     notify.EventResourceAdded,
		Message:  "New resource added: " + id,
		Resource: id,
	})
	return res, nil
}

// UpdateAddrs rewrites a resource's descriptive endpoints.
func (s *Service) UpdateAddrs(ctx context.Context, id string, externalAddr, internalAddr *string) (*models.Resource, error) {
	if err := s.store.UpdateAddrs(ctx, id, externalAddr, internalAddr); err != nil {
		return nil, err
	}
	s.sink.Emit(notify.Event{
		Name:     notify.EventGroupChanged,
		Message:  "Resource " + id + " updated",
		Resource: id,
	})
	return s.store.GetResource(ctx, id)
}

// DeleteResource force-releases any active lease as a deleted history
// record, removes pending timers synchronously, and purges the resource,
// its waitlist and its group membership.
func (s *Service) DeleteResource(ctx context.Context, id string) error {
	s.dropTimers(id)
	owner, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info("resource.deleted", "resource", id, "owner", owner)
	s.sink.Emit(notify.Event{
		Name:     notify.EventResourceGone,
		Message:  "Resource " + id + " deleted",
		Resource: id,
	})
	s.rederive(ctx)
	return nil
}

// Groups

// CreateGroup creates a resource group.
func (s *Service) CreateGroup(ctx context.Context, name string, resourceIDs []string) (*models.Group, error) {
	group, err := s.store.CreateGroup(ctx, name, resourceIDs)
	if err != nil {
		return nil, err
	}
	s.sink.Emit(notify.Event{
		Name:    notify.EventGroupChanged,
		Message: "Group created: " + name,
	})
	return group, nil
}

// ListGroups returns all groups.
func (s *Service) ListGroups(ctx context.Context) ([]models.Group, error) {
	return s.store.ListGroups(ctx)
}

// DeleteGroup removes a group, detaching (not deleting) its resources.
func (s *Service) DeleteGroup(ctx context.Context, groupID int64) error {
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	s.sink.Emit(notify.Event{
		Name:    notify.EventGroupChanged,
		Message: "Group deleted",
	})
	return nil
}

// AssignToGroup attaches a resource to a group.
func (s *Service) AssignToGroup(ctx context.Context, groupID int64, resourceID string) error {
	return s.store.AssignToGroup(ctx, groupID, resourceID)
}

// RemoveFromGroup detaches a resource from its group.
func (s *Service) RemoveFromGroup(ctx context.Context, resourceID string) error {
	return s.store.RemoveFromGroup(ctx, resourceID)
}
