package domain

import "fmt"

// TransitionReason labels why a worker changed status. Reasons show up in
// logs and in retry history entries.
type TransitionReason string

const (
	ReasonJobStarted       TransitionReason = "job_started"
	ReasonJobCompleted     TransitionReason = "job_completed"
	ReasonReadyForJobs     TransitionReason = "ready_for_jobs"
	ReasonRecovered        TransitionReason = "recovered"
	ReasonReregistered     TransitionReason = "reregistered"
	ReasonHeartbeatTimeout TransitionReason = "heartbeat_timeout"
	ReasonJobTimeout       TransitionReason = "job_timeout"
	ReasonOperatorReset    TransitionReason = "operator_reset"
)

// workerTransitions is the admissible worker lifecycle graph. faulty only
// recovers to active; self-transitions are not listed and always rejected.
var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerActive:  {WorkerBusy, WorkerFaulty},
	WorkerBusy:    {WorkerCleanup, WorkerFaulty},
	WorkerCleanup: {WorkerActive, WorkerFaulty},
	WorkerFaulty:  {WorkerActive},
}

// CanTransition reports whether from -> to is admissible.
func CanTransition(from, to WorkerStatus) bool {
	if from == to {
		return false
	}
	for _, t := range workerTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition naming both endpoints when
// from -> to is not admissible.
func ValidateTransition(from, to WorkerStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AdmissibleTransitions lists the statuses reachable from a given one.
// Callers get a copy.
func AdmissibleTransitions(from WorkerStatus) []WorkerStatus {
	targets := workerTransitions[from]
	out := make([]WorkerStatus, len(targets))
	copy(out, targets)
	return out
}

// CanonicalReason names the usual cause of an admissible transition, for
// status changes that arrive without one (the PUT status endpoint).
func CanonicalReason(from, to WorkerStatus) TransitionReason {
	switch {
	case to == WorkerBusy:
		return ReasonJobStarted
	case to == WorkerCleanup:
		return ReasonJobCompleted
	case to == WorkerActive && from == WorkerFaulty:
		return ReasonRecovered
	case to == WorkerActive:
		return ReasonReadyForJobs
	default:
		return ReasonOperatorReset
	}
}
