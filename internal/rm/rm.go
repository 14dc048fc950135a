// Package rm implements the resource-manager communicator (spec.md
// §4.2, §6): it turns S_CONTAINER_REQUEST/S_CONTAINER_DEALLOCATE events
// into calls against the cluster resource manager, an external
// collaborator referenced only by the Client interface (spec.md §1(a)).
// Allocate/release calls run on a bounded worker pool so the dispatch
// goroutine never blocks on RM I/O (spec.md §5).
package rm

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/container"
	amerrors "github.com/flowdag/tez-am/internal/errors"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

// errGrantBlacklisted marks an Allocate response placed on a node this
// task has already blacklisted. It is retried through the same backoff
// loop as a transient Allocate error rather than accepted, since the
// exclusion request on Ask is advisory to the real resource manager and
// must still be enforced on the AM side (spec.md §4.3).
var errGrantBlacklisted = errors.New("resource manager granted a blacklisted node")

// NodeBlacklistLookup is the narrow seam onto internal/nodeblacklist the
// RM communicator uses to reject a grant the resource manager placed on
// a node already excluded for the requesting attempt's task, in case
// the resource manager does not honour Ask.ExcludedNodes.
type NodeBlacklistLookup interface {
	Reason(taskID ids.TaskId, nodeID string) (string, bool)
}

// Ask is one outstanding container request. ExcludedNodes carries every
// node spec.md §4.3 requires be excluded from this attempt's placement
// because it already failed an earlier attempt of the same task; the
// real resource manager honours this the way YARN's AM-to-RM protocol
// honours a per-application blacklist addition.
type Ask struct {
	Attempt       ids.TaskAttemptId
	Priority      int
	Resource      attempt.Resource
	IsRescheduled bool
	ExcludedNodes []string
}

// Grant is the resource manager's answer to an Ask.
type Grant struct {
	Attempt   ids.TaskAttemptId
	Container ids.ContainerId
	NodeID    string
}

// Client is the seam onto the cluster resource manager. The real
// implementation is out of scope (spec.md §1(a)); this package only
// ever calls it opaquely.
type Client interface {
	Allocate(ctx context.Context, ask Ask) (Grant, error)
	Release(ctx context.Context, containerID ids.ContainerId) error
}

type job struct {
	ask     *Ask
	release *ids.ContainerId
}

// Communicator drains S_CONTAINER_REQUEST/S_CONTAINER_DEALLOCATE
// events onto a bounded worker pool, one call to Client per job, and
// feeds the result back onto the bus as further events.
type Communicator struct {
	log        *zap.Logger
	bus        *event.Bus
	client     Client
	containers *container.Machine
	blacklist  NodeBlacklistLookup

	jobs chan job
}

// New constructs a Communicator. containers is the container machine
// the RM communicator registers freshly granted containers into.
// blacklist may be nil, in which case grants are never filtered.
func New(log *zap.Logger, bus *event.Bus, client Client, containers *container.Machine, blacklist NodeBlacklistLookup) *Communicator {
	return &Communicator{
		log:        log,
		bus:        bus,
		client:     client,
		containers: containers,
		blacklist:  blacklist,
		jobs:       make(chan job, 1024),
	}
}

// Run starts n worker goroutines draining the job queue, blocking until
// ctx is cancelled or a worker returns a non-context error.
func (c *Communicator) Run(ctx context.Context, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-c.jobs:
					c.process(ctx, j)
				}
			}
		})
	}
	return g.Wait()
}

// Handler returns the event.Handler to register for event.KindRM. It
// never itself calls the RM client; it only enqueues.
func (c *Communicator) Handler() event.Handler {
	return func(e event.Event) error {
		switch e.Kind {
		case attempt.EvRMContainerRequest:
			payload, ok := e.Payload.(attempt.SchedulePayload)
			if !ok {
				return nil
			}
			ask := Ask{
				Attempt:       payload.Attempt,
				Priority:      payload.Priority,
				Resource:      payload.Resource,
				IsRescheduled: payload.IsRescheduled,
				ExcludedNodes: payload.ExcludedNodes,
			}
			c.jobs <- job{ask: &ask}
		case container.EvSContainerDeallocate:
			payload, ok := e.Payload.(container.DeallocatePayload)
			if !ok {
				c.log.Warn("deallocate with malformed payload", zap.String("subject", e.Subject.ID))
				return nil
			}
			cid := payload.Container
			c.jobs <- job{release: &cid}
		}
		return nil
	}
}

func (c *Communicator) process(ctx context.Context, j job) {
	switch {
	case j.ask != nil:
		c.processAsk(ctx, *j.ask)
	case j.release != nil:
		c.processRelease(ctx, *j.release)
	}
}

func (c *Communicator) processAsk(ctx context.Context, ask Ask) {
	var grant Grant
	op := func() error {
		g, err := c.client.Allocate(ctx, ask)
		if err != nil {
			return err
		}
		if c.blacklist != nil {
			if reason, blacklisted := c.blacklist.Reason(ask.Attempt.Task, g.NodeID); blacklisted {
				c.log.Warn("resource manager granted a blacklisted node, retrying",
					zap.String("attempt", ask.Attempt.String()),
					zap.Error(amerrors.ErrNodeBlacklisted.GenWithStackByArgs(g.NodeID, ask.Attempt.Task.String(), reason)))
				if relErr := c.client.Release(ctx, g.Container); relErr != nil {
					c.log.Warn("failed to release blacklisted grant", zap.String("container", g.Container.String()), zap.Error(relErr))
				}
				return errGrantBlacklisted
			}
		}
		grant = g
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.log.Warn("resource manager allocate failed", zap.String("attempt", ask.Attempt.String()), zap.Error(err))
		// Give up on this ask rather than leaving the attempt stuck in
		// START_WAIT forever. Unlike an ordinary before-RUNNING
		// container termination, this counts toward the task's attempt
		// budget (CauseResourceManagerUnavailable), since nothing here
		// distinguishes a permanently unreachable resource manager from
		// a reachable one and an exemption would retry forever.
		c.bus.Handle(event.New(
			event.Subject{Kind: event.KindTaskAttempt, ID: ask.Attempt.String()},
			attempt.EvAllocationFailed, err.Error(),
		))
		return
	}

	dag := ask.Attempt.Task.Vertex.Dag
	c.containers.Register(grant.Container, grant.NodeID)
	c.bus.Handle(event.New(
		event.Subject{Kind: event.KindContainer, ID: grant.Container.String()},
		container.EvLaunchRequest,
		container.LaunchRequestPayload{Container: grant.Container, Resource: container.Resource(ask.Resource)},
	))
	c.bus.Handle(event.New(
		event.Subject{Kind: event.KindContainer, ID: grant.Container.String()},
		container.EvAssignTA,
		container.AssignPayload{Attempt: ask.Attempt, Dag: dag},
	))
	c.bus.Handle(event.New(
		event.Subject{Kind: event.KindTaskAttempt, ID: ask.Attempt.String()},
		attempt.EvContainerAssigned,
		grant.Container,
	))
}

func (c *Communicator) processRelease(ctx context.Context, containerID ids.ContainerId) {
	op := func() error { return c.client.Release(ctx, containerID) }
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.log.Warn("resource manager release failed", zap.String("container", containerID.String()), zap.Error(err))
	}
}
