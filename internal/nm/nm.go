// Package nm implements the node-manager communicator (spec.md §4.2,
// §6): it turns NM_LAUNCH_REQUEST/NM_STOP_REQUEST events into
// startContainer/stopContainer calls against the node manager running
// on a container's host, an external collaborator referenced only by
// the Client interface (spec.md §1(a)). Calls run on a bounded worker
// pool so the dispatch goroutine never blocks on NM I/O (spec.md §5).
package nm

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowdag/tez-am/internal/container"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

// LaunchContext is everything the node manager needs to start a
// container's process.
type LaunchContext struct {
	Container   ids.ContainerId
	Resource    container.Resource
	Credentials container.Credentials
}

// Client is the seam onto the node manager running on a container's
// host. The real implementation is out of scope (spec.md §1(a)); this
// package only ever calls it opaquely.
type Client interface {
	StartContainer(ctx context.Context, launchCtx LaunchContext) error
	StopContainer(ctx context.Context, containerID ids.ContainerId) error
}

type job struct {
	launch *LaunchContext
	stop   *ids.ContainerId
}

// Communicator drains NM_LAUNCH_REQUEST/NM_STOP_REQUEST events onto a
// bounded worker pool, one call to Client per job, and feeds the
// result back onto the bus as further events.
type Communicator struct {
	log        *zap.Logger
	bus        *event.Bus
	client     Client
	containers *container.Machine

	jobs chan job
}

func New(log *zap.Logger, bus *event.Bus, client Client, containers *container.Machine) *Communicator {
	return &Communicator{
		log:        log,
		bus:        bus,
		client:     client,
		containers: containers,
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

// Handler returns the event.Handler to register for event.KindNM. It
// never itself calls the NM client; it only enqueues.
func (c *Communicator) Handler() event.Handler {
	return func(e event.Event) error {
		switch e.Kind {
		case container.EvNMLaunchRequest:
			payload, ok := e.Payload.(container.LaunchRequestPayload)
			if !ok {
				c.log.Warn("launch request with malformed payload", zap.String("subject", e.Subject.ID))
				return nil
			}
			lc := LaunchContext{Container: payload.Container, Resource: payload.Resource, Credentials: payload.Credentials}
			c.jobs <- job{launch: &lc}
		case container.EvNMStopRequest:
			payload, ok := e.Payload.(container.StopRequestPayload)
			if !ok {
				c.log.Warn("stop request with malformed payload", zap.String("subject", e.Subject.ID))
				return nil
			}
			cid := payload.Container
			c.jobs <- job{stop: &cid}
		}
		return nil
	}
}

func (c *Communicator) process(ctx context.Context, j job) {
	switch {
	case j.launch != nil:
		c.processLaunch(ctx, *j.launch)
	case j.stop != nil:
		c.processStop(ctx, *j.stop)
	}
}

func (c *Communicator) processLaunch(ctx context.Context, lc LaunchContext) {
	op := func() error { return c.client.StartContainer(ctx, lc) }
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.log.Warn("node manager start container failed", zap.String("container", lc.Container.String()), zap.Error(err))
		c.bus.Handle(event.New(
			event.Subject{Kind: event.KindContainer, ID: lc.Container.String()},
			container.EvLaunchFailed, nil,
		))
		return
	}
	c.bus.Handle(event.New(
		event.Subject{Kind: event.KindContainer, ID: lc.Container.String()},
		container.EvLaunched, nil,
	))
}

func (c *Communicator) processStop(ctx context.Context, containerID ids.ContainerId) {
	op := func() error { return c.client.StopContainer(ctx, containerID) }
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.log.Warn("node manager stop container failed", zap.String("container", containerID.String()), zap.Error(err))
		c.bus.Handle(event.New(
			event.Subject{Kind: event.KindContainer, ID: containerID.String()},
			container.EvNMStopFailed, nil,
		))
		return
	}
	c.bus.Handle(event.New(
		event.Subject{Kind: event.KindContainer, ID: containerID.String()},
		container.EvNMStopSent, nil,
	))
}
