// Package scheduler implements the DAG scheduler (spec.md §4.7): a
// singleton subject that turns a bare "this attempt is ready to run"
// request into a prioritised TA_SCHEDULE event, using the priority
// formula priority = 2*(distanceFromRoot+1), decremented by one for
// rescheduled attempts so that retries outrun fresh attempts of the
// same vertex without ever crossing into a downstream vertex's band.
package scheduler

import (
	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

// EvScheduleAttempt is the incoming event kind on the KindScheduler
// subject: a task requesting that one of its attempts be admitted to
// scheduling.
const EvScheduleAttempt event.Kind = "S_SCHEDULE_ATTEMPT"

// ScheduleAttemptPayload is EvScheduleAttempt's payload.
type ScheduleAttemptPayload struct {
	Attempt       ids.TaskAttemptId
	Vertex        ids.VertexId
	Resource      attempt.Resource
	IsRescheduled bool
	ExcludedNodes []string
}

// DistanceLookup resolves a vertex's distance-from-root, fixed at DAG
// initialisation (spec.md §3). Implemented by internal/dagsm.
type DistanceLookup interface {
	DistanceFromRoot(v ids.VertexId) (int, bool)
}

// Scheduler is the KindScheduler subject's handler owner. There is
// exactly one per AppMaster, shared by every DAG it runs.
type Scheduler struct {
	log      *zap.Logger
	bus      *event.Bus
	distance DistanceLookup
}

func New(log *zap.Logger, bus *event.Bus, distance DistanceLookup) *Scheduler {
	return &Scheduler{log: log, bus: bus, distance: distance}
}

// Priority returns the numeric priority for an attempt at the given
// vertex distance. Lower numeric value means higher priority (spec.md
// §4.7); the RM communicator does not reorder requests by it and passes
// it unchanged to the resource manager in Ask.Priority.
func Priority(distanceFromRoot int, isRescheduled bool) int {
	p := 2 * (distanceFromRoot + 1)
	if isRescheduled {
		p--
	}
	return p
}

func (s *Scheduler) Handler() event.Handler {
	return func(e event.Event) error {
		if e.Kind != EvScheduleAttempt {
			return nil
		}
		payload, ok := e.Payload.(ScheduleAttemptPayload)
		if !ok {
			return nil
		}
		dist, ok := s.distance.DistanceFromRoot(payload.Vertex)
		if !ok {
			s.log.Warn("schedule request for vertex with no known distance", zap.String("vertex", payload.Vertex.String()))
			dist = 0
		}
		priority := Priority(dist, payload.IsRescheduled)
		s.bus.Handle(event.New(
			event.Subject{Kind: event.KindTaskAttempt, ID: payload.Attempt.String()},
			attempt.EvSchedule,
			attempt.SchedulePayload{
				Resource:      payload.Resource,
				Priority:      priority,
				IsRescheduled: payload.IsRescheduled,
				ExcludedNodes: payload.ExcludedNodes,
			},
		))
		return nil
	}
}
