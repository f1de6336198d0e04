// Package handshake runs ordered sequences of handshake steps against a
// shared incoming buffer. A step either produces output and completes at once
// or consumes input, possibly across several ticks, until it completes.
//
// Steps are generic over the target they act on (a session, in practice),
// so this package has no dependency on the session layer.
package handshake

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-tickserver/databuffer"
)

// Kind distinguishes the two step variants.
type Kind uint8

const (
	Producer Kind = iota + 1 // writes output, always completes when invoked
	Consumer                 // reads input, completes when it has read enough
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// ProduceFunc writes a producer step's output for target.
type ProduceFunc[S any] func(target S) error

// ConsumeFunc reads a consumer step's input from in. It returns true once the
// step has read everything it needs. Bytes it has read are gone from in, so a
// consumer that needs more than is available must keep what it has read
// (see ReadBytes) rather than leave it in the buffer.
type ConsumeFunc[S any] func(target S, in *databuffer.DataBuffer) (bool, error)

// Condition reports whether a step should run; a step whose condition is
// false is skipped.
type Condition[S any] func(target S) bool

// Step is one unit of handshake work. The zero value is not a valid step;
// build steps with NewProducer or NewConsumer.
type Step[S any] struct {
	name    string
	kind    Kind
	produce ProduceFunc[S]
	consume ConsumeFunc[S]
	cond    Condition[S]
}

// NewProducer returns a producer step.
//
// Parameters:
//   - name: Name used in logs and errors
//   - fn: Function writing the step's output
//
// Returns:
//   - The step
func NewProducer[S any](name string, fn ProduceFunc[S]) Step[S] {
	return Step[S]{name: name, kind: Producer, produce: fn}
}

// NewConsumer returns a consumer step.
//
// Parameters:
//   - name: Name used in logs and errors
//   - fn: Function reading the step's input
//
// Returns:
//   - The step
func NewConsumer[S any](name string, fn ConsumeFunc[S]) Step[S] {
	return Step[S]{name: name, kind: Consumer, consume: fn}
}

// When returns a copy of the step that only runs when cond holds at the time
// the step reaches the head of its sequence.
func (s Step[S]) When(cond Condition[S]) Step[S] {
	s.cond = cond
	return s
}

// Name returns the step name.
func (s Step[S]) Name() string {
	return s.name
}

// Kind returns the step variant.
func (s Step[S]) Kind() Kind {
	return s.kind
}

// ErrNoProgress is reported when a consumer step neither completes nor reads
// any of the bytes available to it.
var ErrNoProgress = errors.New("handshake: consumer step made no progress")

// StepError identifies the step that failed.
type StepError struct {
	Step string
	Kind Kind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("handshake: %s step %q: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
