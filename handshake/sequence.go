package handshake

import (
	"fmt"

	"github.com/cyberinferno/go-tickserver/databuffer"
)

// Result is the outcome of one Sequence.Run call.
type Result uint8

const (
	// Pending means a step completed and more remain; run again right away.
	Pending Result = iota
	// AwaitingData means the head consumer needs more bytes than are buffered.
	AwaitingData
	// Finished means every step has completed.
	Finished
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case AwaitingData:
		return "awaiting-data"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Sequence is an ordered list of steps with an implicit cursor at its head.
// It is owned by one pending session and driven from the tick goroutine.
type Sequence[S any] struct {
	steps []Step[S]
}

// NewSequence returns a sequence over steps. The slice is copied.
func NewSequence[S any](steps ...Step[S]) *Sequence[S] {
	q := &Sequence[S]{}
	q.Append(steps...)
	return q
}

// Append adds steps at the end. It may be called from inside a running step.
func (q *Sequence[S]) Append(steps ...Step[S]) {
	q.steps = append(q.steps, steps...)
}

// Len returns the number of steps not yet completed.
func (q *Sequence[S]) Len() int {
	return len(q.steps)
}

// Head returns the name of the next step, or "" when finished.
func (q *Sequence[S]) Head() string {
	if len(q.steps) == 0 {
		return ""
	}

	return q.steps[0].name
}

// Run advances the sequence by at most one step against target, reading from
// in. A head step whose condition is false is skipped and counts as progress.
// Errors returned by steps come back as *StepError; on error the result is
// meaningless and the sequence must be abandoned.
//
// Parameters:
//   - target: The value steps act on
//   - in: The incoming buffer; consumers read from its cursor
//
// Returns:
//   - Finished, Pending or AwaitingData
//   - A *StepError if the head step failed or made no progress
func (q *Sequence[S]) Run(target S, in *databuffer.DataBuffer) (Result, error) {
	if len(q.steps) == 0 {
		return Finished, nil
	}

	head := q.steps[0]
	if head.cond != nil && !head.cond(target) {
		return q.pop(), nil
	}

	switch head.kind {
	case Producer:
		if err := head.produce(target); err != nil {
			return Pending, &StepError{Step: head.name, Kind: head.kind, Err: err}
		}

		return q.pop(), nil

	case Consumer:
		for {
			before := in.Remaining()
			done, err := head.consume(target, in)
			if err != nil {
				return Pending, &StepError{Step: head.name, Kind: head.kind, Err: err}
			}

			if done {
				return q.pop(), nil
			}

			after := in.Remaining()
			if after == 0 {
				return AwaitingData, nil
			}

			if after >= before {
				return Pending, &StepError{Step: head.name, Kind: head.kind, Err: ErrNoProgress}
			}
		}

	default:
		panic(fmt.Sprintf("handshake: step %q has invalid kind %d", head.name, head.kind))
	}
}

func (q *Sequence[S]) pop() Result {
	q.steps[0] = Step[S]{}
	q.steps = q.steps[1:]
	if len(q.steps) == 0 {
		return Finished
	}

	return Pending
}
