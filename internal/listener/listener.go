// Package listener implements the task-attempt listener (spec.md
// §4.8): the worker-facing RPC surface (getTask/canCommit/heartbeat)
// served over internal/wire's framed protocol. Per spec.md §5, RPC
// handlers never touch state machines directly; they mutate only the
// container-listener tables defined here under a per-container
// monitor, and enqueue events on the bus for everything else.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/container"
	amerrors "github.com/flowdag/tez-am/internal/errors"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/task"
	"github.com/flowdag/tez-am/internal/vertex"
	"github.com/flowdag/tez-am/internal/wire"
)

// AttemptReader is the narrow read-only seam onto attempt.Machine the
// listener needs: looking up current state for idempotent canCommit
// replay, never mutating it directly.
type AttemptReader interface {
	Get(id ids.TaskAttemptId) (*attempt.Attempt, bool)
}

// TaskReader is the narrow read-only seam onto task.Machine the
// listener needs to paginate a task's queued outbound events on
// heartbeat.
type TaskReader interface {
	Get(id ids.TaskId) (*task.Task, bool)
}

// containerEntry is one container's registered listener state (spec.md
// §4.8's containerInfo), guarded by its own mutex — the "per-container
// monitor" spec.md §5 describes.
type containerEntry struct {
	mu             sync.Mutex
	lastRequestID  int64
	lastResponse   wire.HeartbeatResponse
	haveResponse   bool
	currentAttempt *ids.TaskAttemptId
	queued         *container.QueuedTask
}

// Listener owns the container-listener tables and answers worker RPCs.
// It implements container.QueuePublisher and attempt.CommitNotifier.
type Listener struct {
	log      *zap.Logger
	bus      *event.Bus
	attempts AttemptReader
	tasks    TaskReader

	heartbeatTimeout time.Duration

	mu                 sync.Mutex
	containers         map[string]*containerEntry
	attemptToContainer map[string]ids.ContainerId

	commitMu      sync.Mutex
	commitWaiters map[string]chan bool
}

func New(log *zap.Logger, bus *event.Bus, attempts AttemptReader, tasks TaskReader, heartbeatTimeout time.Duration) *Listener {
	return &Listener{
		log:                log,
		bus:                bus,
		attempts:           attempts,
		tasks:              tasks,
		heartbeatTimeout:   heartbeatTimeout,
		containers:         make(map[string]*containerEntry),
		attemptToContainer: make(map[string]ids.ContainerId),
		commitWaiters:      make(map[string]chan bool),
	}
}

func (l *Listener) entry(id ids.ContainerId) *containerEntry {
	key := id.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.containers[key]
	if !ok {
		e = &containerEntry{}
		l.containers[key] = e
	}
	return e
}

// RegisterContainer implements container.QueuePublisher: called as soon
// as the container machine sends its launch request, before any task is
// ever queued on it.
func (l *Listener) RegisterContainer(containerID ids.ContainerId) {
	l.entry(containerID)
}

// PublishQueuedTask implements container.QueuePublisher: called
// synchronously from the dispatch goroutine whenever the container
// machine accepts an ASSIGN_TA.
func (l *Listener) PublishQueuedTask(containerID ids.ContainerId, t container.QueuedTask) {
	e := l.entry(containerID)
	e.mu.Lock()
	e.queued = &t
	e.mu.Unlock()

	l.mu.Lock()
	l.attemptToContainer[t.Attempt.String()] = containerID
	l.mu.Unlock()
}

// ClearContainer implements container.QueuePublisher: called when a
// container reaches COMPLETED, so a late getTask/heartbeat from its
// worker is answered with shouldDie instead of stale state.
func (l *Listener) ClearContainer(containerID ids.ContainerId) {
	l.mu.Lock()
	delete(l.containers, containerID.String())
	l.mu.Unlock()
}

// NotifyCommitResult implements attempt.CommitNotifier: delivered on
// the dispatch goroutine the instant the owning task arbitrates a
// commit request, so a blocked canCommit RPC can return immediately.
func (l *Listener) NotifyCommitResult(a ids.TaskAttemptId, granted bool) {
	l.commitMu.Lock()
	ch, ok := l.commitWaiters[a.String()]
	l.commitMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- granted:
	default:
	}
}

// GetTask answers spec.md §4.8's getTask RPC purely from the listener's
// own registry; it never blocks on the bus.
func (l *Listener) GetTask(ctx context.Context, cc wire.ContainerContext) (wire.ContainerTask, error) {
	l.mu.Lock()
	e, known := l.containers[cc.ContainerID.String()]
	l.mu.Unlock()
	if !known {
		l.log.Warn("getTask from unknown container", zap.Error(amerrors.ErrRPCUnknownContainer.GenWithStackByArgs(cc.ContainerID.String())))
		return wire.ContainerTask{ShouldDie: true}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queued == nil {
		return wire.ContainerTask{Task: nil, ShouldDie: false}, nil
	}
	q := *e.queued
	e.queued = nil
	e.currentAttempt = &q.Attempt

	resources := make([]string, 0, len(q.AdditionalResources))
	for r := range q.AdditionalResources {
		resources = append(resources, r)
	}
	l.bus.Handle(event.New(
		event.Subject{Kind: event.KindContainer, ID: cc.ContainerID.String()},
		container.EvPullTask, nil,
	))
	return wire.ContainerTask{
		Task: &wire.Task{
			Attempt:             q.Attempt,
			AdditionalResources: resources,
			Credentials:         q.Credentials,
			CredentialsChanged:  q.CredentialsChanged,
			ProfileJVMOpts:      q.ProfileJVMOpts,
		},
	}, nil
}

// CanCommit answers spec.md §4.8's canCommit RPC. The RPC itself is the
// signal that an attempt has finished its work (spec.md §1(c), §4.3:
// "before emitting TA_SUCCEEDED ... calls back to the AM"); the
// listener fires TA_WORKER_SUCCEEDED on first call and blocks for the
// task's arbitration decision, replaying the cached decision on retry.
func (l *Listener) CanCommit(ctx context.Context, attemptID ids.TaskAttemptId) (bool, error) {
	if a, ok := l.attempts.Get(attemptID); ok {
		switch a.State {
		case attempt.Succeeded:
			return true, nil
		case attempt.Failed:
			return false, nil
		}
		if !a.NeedsCommit {
			// No arbitration round trip needed, but the attempt still
			// has to be told the worker is done so it can finish
			// directly to SUCCEEDED; dedupe against a retried RPC the
			// same way the arbitration path below does.
			key := attemptID.String()
			l.commitMu.Lock()
			_, inFlight := l.commitWaiters[key]
			if !inFlight {
				l.commitWaiters[key] = make(chan bool, 1)
			}
			l.commitMu.Unlock()
			if !inFlight {
				l.bus.Handle(event.New(
					event.Subject{Kind: event.KindTaskAttempt, ID: key},
					attempt.EvWorkerSucceeded, nil,
				))
			}
			return true, nil
		}
	}

	key := attemptID.String()
	l.commitMu.Lock()
	ch, inFlight := l.commitWaiters[key]
	if !inFlight {
		ch = make(chan bool, 1)
		l.commitWaiters[key] = ch
	}
	l.commitMu.Unlock()

	if !inFlight {
		l.bus.Handle(event.New(
			event.Subject{Kind: event.KindTaskAttempt, ID: key},
			attempt.EvWorkerSucceeded, nil,
		))
	}

	timeout := l.heartbeatTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case granted := <-ch:
		l.commitMu.Lock()
		delete(l.commitWaiters, key)
		l.commitMu.Unlock()
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(timeout):
		return false, fmt.Errorf("canCommit timed out waiting for arbitration on %s", key)
	}
}

// Heartbeat answers spec.md §4.8's heartbeat RPC: validates sequencing,
// replays a cached response for a repeated requestId, routes inbound
// events to the owning vertex/attempt, and returns up to MaxEvents
// outbound events starting at EventsStartIndex.
func (l *Listener) Heartbeat(ctx context.Context, hb wire.Heartbeat) (wire.HeartbeatResponse, error) {
	l.mu.Lock()
	e, known := l.containers[hb.ContainerID.String()]
	l.mu.Unlock()
	if !known {
		l.log.Warn("heartbeat from unknown container", zap.Error(amerrors.ErrRPCUnknownContainer.GenWithStackByArgs(hb.ContainerID.String())))
		return wire.HeartbeatResponse{ShouldDie: true}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if hb.RequestID == e.lastRequestID && e.haveResponse {
		return e.lastResponse, nil
	}
	if hb.RequestID != e.lastRequestID+1 {
		return wire.HeartbeatResponse{}, amerrors.ErrRPCSequenceError.GenWithStackByArgs(
			hb.ContainerID.String(), hb.RequestID, e.lastRequestID, e.lastRequestID+1)
	}

	if hb.CurrentAttempt != nil {
		l.routeInboundEvents(*hb.CurrentAttempt, hb.Events)
	}

	var outbound []wire.TezEvent
	if hb.CurrentAttempt != nil {
		outbound = l.pendingOutboundEvents(*hb.CurrentAttempt, hb.EventsStartIndex, hb.MaxEvents)
	}

	resp := wire.HeartbeatResponse{
		LastRequestID: hb.RequestID,
		Events:        outbound,
		ShouldDie:     false,
	}
	e.lastRequestID = hb.RequestID
	e.lastResponse = resp
	e.haveResponse = true
	return resp, nil
}

// routeInboundEvents implements spec.md §4.8's "routes inbound events
// to the owning vertex via VERTEX_ROUTE_EVENT". Only VertexManagerEvent
// and InputReadError carry an AM-side reaction here; DataMovement,
// InputFailed and CompositeDataMovement are purely downstream-facing
// (the AM already computes that routing itself from TA_SUCCEEDED, per
// internal/dagsm.RouteTaskCompletion) and TaskStatusUpdate is advisory
// progress with no state transition.
func (l *Listener) routeInboundEvents(attemptID ids.TaskAttemptId, events []wire.TezEvent) {
	vertexID := attemptID.Task.Vertex
	for _, ev := range events {
		switch ev.Kind {
		case wire.KindVertexManager:
			l.bus.Handle(event.New(
				event.Subject{Kind: event.KindVertex, ID: vertexID.String()},
				vertex.EvManagerEvent,
				ev.VertexManager.Payload,
			))
		case wire.KindInputReadError:
			l.bus.Handle(event.New(
				event.Subject{Kind: event.KindTaskAttempt, ID: attemptID.String()},
				attempt.EvWorkerFailed,
				fmt.Sprintf("input read error: %s", ev.InputReadError.Diagnostics),
			))
		}
	}
}

// pendingOutboundEvents paginates the owning task's queued routed
// inputs starting at startIndex, translating them to wire form.
func (l *Listener) pendingOutboundEvents(attemptID ids.TaskAttemptId, startIndex, maxEvents int) []wire.TezEvent {
	t, ok := l.tasks.Get(attemptID.Task)
	if !ok || maxEvents <= 0 {
		return nil
	}
	if startIndex < 0 || startIndex >= len(t.PendingEvents) {
		return nil
	}
	end := startIndex + maxEvents
	if end > len(t.PendingEvents) {
		end = len(t.PendingEvents)
	}
	out := make([]wire.TezEvent, 0, end-startIndex)
	for _, pe := range t.PendingEvents[startIndex:end] {
		out = append(out, wire.TezEvent{
			Kind: wire.KindDataMovement,
			DataMovement: wire.DataMovementEvent{
				SourceIndex: pe.Event.SourceIndex,
				TargetIndex: pe.PhysicalInput,
				Version:     pe.Event.Version,
				Payload:     pe.Event.Payload,
			},
		})
	}
	return out
}

// Serve accepts worker connections on ln until ctx is cancelled,
// dispatching each request frame onto a bounded pool of size workers
// (spec.md §5's "small bounded pool... for the RPC server's request
// handlers").
func (l *Listener) Serve(ctx context.Context, ln net.Listener, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	conns := make(chan net.Conn, workers)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		defer close(conns)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case conns <- conn:
			case <-ctx.Done():
				conn.Close()
				return nil
			}
		}
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for conn := range conns {
				l.handleConn(ctx, conn)
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req wire.Request
		if err := wire.ReadFrame(conn, &req); err != nil {
			return
		}
		resp := l.dispatch(ctx, req)
		if err := wire.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, req wire.Request) wire.Response {
	switch req.Op {
	case wire.OpGetTask:
		t, err := l.GetTask(ctx, req.GetTask)
		return responseOrErr(wire.OpGetTask, wire.Response{GetTask: t}, err)
	case wire.OpCanCommit:
		ok, err := l.CanCommit(ctx, req.CanCommit)
		return responseOrErr(wire.OpCanCommit, wire.Response{CanCommit: ok}, err)
	case wire.OpHeartbeat:
		hr, err := l.Heartbeat(ctx, req.Heartbeat)
		return responseOrErr(wire.OpHeartbeat, wire.Response{Heartbeat: hr}, err)
	default:
		return wire.Response{Op: req.Op, Err: "unknown op"}
	}
}

func responseOrErr(op wire.Op, resp wire.Response, err error) wire.Response {
	resp.Op = op
	if err != nil {
		resp.Err = err.Error()
	}
	return resp
}
