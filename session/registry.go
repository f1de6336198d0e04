package session

import (
	"fmt"
	"time"

	"github.com/cyberinferno/go-tickserver/handshake"
	"github.com/cyberinferno/go-tickserver/idgenerator"
	"github.com/cyberinferno/go-tickserver/transport"
)

// State is the lifecycle set a session belongs to.
type State uint8

const (
	// StateNone means the registry does not hold the session.
	StateNone State = iota
	// StatePending means the session is mid-handshake.
	StatePending
	// StateActive means the session finished its handshake.
	StateActive
	// StateReconnecting means the session is parked without a transport.
	StateReconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "none"
	}
}

// DefaultIdentityAttempts bounds how many candidates AssignIdentity draws.
const DefaultIdentityAttempts = 64

// Sequence is the handshake sequence type run against sessions.
type Sequence = handshake.Sequence[*Session]

// Pending is a session mid-handshake together with its remaining steps.
type Pending struct {
	Session *Session
	Steps   *Sequence
}

// Reconnecting is a parked session and the time left before it expires.
type Reconnecting struct {
	Session   *Session
	Remaining time.Duration

	// fresh marks an entry parked since the last Advance.
	fresh bool
}

// Registry holds the disjoint pending, active and reconnecting sets and the
// table of live identities. Sets keep insertion order.
type Registry struct {
	ids      idgenerator.Generator
	attempts int

	pending      []*Pending
	active       []*Session
	reconnecting []*Reconnecting

	states map[*Session]State
	live   map[uint32]*Session
	unsubs map[*Session]func()
}

// NewRegistry creates an empty Registry that draws identities from ids.
//
// Parameters:
//   - ids: Identity source; a nil value selects a sequential generator
//     starting at 1
//
// Returns:
//   - An empty Registry
func NewRegistry(ids idgenerator.Generator) *Registry {
	if ids == nil {
		ids = idgenerator.NewIdGenerator(0)
	}

	return &Registry{
		ids:      ids,
		attempts: DefaultIdentityAttempts,
		states:   make(map[*Session]State),
		live:     make(map[uint32]*Session),
		unsubs:   make(map[*Session]func()),
	}
}

// AddPending registers a freshly connected session with its handshake
// steps and subscribes to its disconnect so the registry forgets it on
// close. It panics if the registry already holds s.
//
// Parameters:
//   - s: The session
//   - steps: The composed handshake sequence
//
// Returns:
//   - The new pending entry
func (r *Registry) AddPending(s *Session, steps *Sequence) *Pending {
	r.mustBe(s, StateNone, "add pending")

	p := &Pending{Session: s, Steps: steps}
	r.pending = append(r.pending, p)
	r.states[s] = StatePending
	r.watch(s)
	if s.id != 0 {
		r.live[s.id] = s
	}

	return p
}

// Promote moves s from pending to active. It panics if s is not pending.
func (r *Registry) Promote(s *Session) {
	r.mustBe(s, StatePending, "promote")
	r.dropPending(s)
	r.active = append(r.active, s)
	r.states[s] = StateActive
}

// Deinitialize moves an active session back to pending with a new step
// sequence. Its identity is kept. It panics if s is not active.
//
// Returns:
//   - The new pending entry
func (r *Registry) Deinitialize(s *Session, steps *Sequence) *Pending {
	r.mustBe(s, StateActive, "deinitialize")
	r.dropActive(s)

	p := &Pending{Session: s, Steps: steps}
	r.pending = append(r.pending, p)
	r.states[s] = StatePending
	return p
}

// Park moves a pending or active session to the reconnecting set and
// detaches its transport. The session keeps its identity and its
// subscriptions. The next Advance does not charge the new timer: its delta
// elapsed before the session was parked.
//
// Parameters:
//   - s: A pending or active session with an assigned identity
//   - limit: How long the session may wait for a reconnect
//
// Returns:
//   - The detached transport connection; the caller closes it
func (r *Registry) Park(s *Session, limit time.Duration) transport.Conn {
	if s.id == 0 {
		panic("session: park of session without identity")
	}

	switch r.states[s] {
	case StatePending:
		r.dropPending(s)
	case StateActive:
		r.dropActive(s)
	default:
		panic(fmt.Sprintf("session: park of session %d in state %s", s.id, r.states[s]))
	}

	r.reconnecting = append(r.reconnecting, &Reconnecting{Session: s, Remaining: limit, fresh: true})
	r.states[s] = StateReconnecting
	return s.detach()
}

// Unpark removes the parked session holding id from the reconnecting set.
// The session stays live but belongs to no set until Adopt is called.
//
// Returns:
//   - The parked session
//   - A protocol error wrapping ErrNoReconnectEntry if none matches
func (r *Registry) Unpark(id uint32) (*Session, error) {
	for i, e := range r.reconnecting {
		if e.Session.id == id {
			r.reconnecting = append(r.reconnecting[:i], r.reconnecting[i+1:]...)
			r.states[e.Session] = StateNone
			return e.Session, nil
		}
	}

	return nil, ProtocolError(fmt.Errorf("%w: %d", ErrNoReconnectEntry, id))
}

// Adopt completes a reconnect. The transport of provisional, the pending
// session that carried the reconnect request, moves into parked, and the
// pending entry is rebound to parked so its remaining steps continue on it.
// provisional is forgotten without notifying its subscribers.
//
// Parameters:
//   - provisional: The pending session of the new connection
//   - parked: A session returned by Unpark
//
// Returns:
//   - The rebound pending entry
func (r *Registry) Adopt(provisional, parked *Session) *Pending {
	r.mustBe(provisional, StatePending, "adopt")
	r.mustBe(parked, StateNone, "adopt")

	var entry *Pending
	for _, p := range r.pending {
		if p.Session == provisional {
			entry = p
			break
		}
	}

	r.forget(provisional)
	delete(r.states, provisional)
	if provisional.id != 0 && r.live[provisional.id] == provisional {
		delete(r.live, provisional.id)
	}

	parked.adopt(provisional)
	entry.Session = parked
	r.states[parked] = StatePending
	return entry
}

// Remove drops s from whichever set holds it, frees its identity and
// cancels the registry's disconnect subscription. Removing an unknown
// session is a no-op.
func (r *Registry) Remove(s *Session) {
	switch r.states[s] {
	case StatePending:
		r.dropPending(s)
	case StateActive:
		r.dropActive(s)
	case StateReconnecting:
		r.dropReconnecting(s)
	}

	delete(r.states, s)
	if s.id != 0 && r.live[s.id] == s {
		delete(r.live, s.id)
	}

	r.forget(s)
}

// AssignIdentity gives s an identity not held by any live session. It
// panics if s already has one.
//
// Returns:
//   - The assigned identity
//   - idgenerator.ErrExhausted if no free identity was found
func (r *Registry) AssignIdentity(s *Session) (uint32, error) {
	if s.id != 0 {
		panic(fmt.Sprintf("session: identity already assigned (%d)", s.id))
	}

	id, err := idgenerator.NextFree(r.ids, func(id uint32) bool {
		_, ok := r.live[id]
		return ok
	}, r.attempts)
	if err != nil {
		return 0, err
	}

	s.id = id
	r.live[id] = s
	return id, nil
}

// Advance subtracts delta from every reconnect timer except those parked
// since the previous call. Entries whose time is used up are removed as if
// by Remove and returned in park order.
func (r *Registry) Advance(delta time.Duration) []*Session {
	var expired []*Session
	kept := r.reconnecting[:0]
	for _, e := range r.reconnecting {
		if e.fresh {
			e.fresh = false
			kept = append(kept, e)
			continue
		}

		e.Remaining -= delta
		if e.Remaining <= 0 {
			expired = append(expired, e.Session)
			continue
		}

		kept = append(kept, e)
	}

	clear(r.reconnecting[len(kept):])
	r.reconnecting = kept

	for _, s := range expired {
		r.states[s] = StateNone
		r.Remove(s)
	}

	return expired
}

// StateOf returns the set s belongs to.
func (r *Registry) StateOf(s *Session) State {
	return r.states[s]
}

// Find returns the live session holding id.
func (r *Registry) Find(id uint32) (*Session, bool) {
	s, ok := r.live[id]
	return s, ok
}

// Pending returns a snapshot of the pending entries.
func (r *Registry) Pending() []*Pending {
	return append([]*Pending(nil), r.pending...)
}

// Active returns a snapshot of the active sessions.
func (r *Registry) Active() []*Session {
	return append([]*Session(nil), r.active...)
}

// Reconnecting returns a snapshot of the parked entries.
func (r *Registry) Reconnecting() []*Reconnecting {
	return append([]*Reconnecting(nil), r.reconnecting...)
}

// Counts returns the sizes of the three sets.
func (r *Registry) Counts() (pending, active, reconnecting int) {
	return len(r.pending), len(r.active), len(r.reconnecting)
}

// CheckInvariants verifies that every session is in exactly one set, that
// the state table agrees with the sets and that no two sessions share an
// identity.
//
// Returns:
//   - nil if the registry is consistent, otherwise a description of the
//     first violation found
func (r *Registry) CheckInvariants() error {
	seen := make(map[*Session]State, len(r.states))
	ids := make(map[uint32]*Session)

	check := func(s *Session, st State) error {
		if prev, ok := seen[s]; ok {
			return fmt.Errorf("session %d is both %s and %s", s.id, prev, st)
		}

		seen[s] = st
		if r.states[s] != st {
			return fmt.Errorf("session %d is in the %s set but recorded as %s", s.id, st, r.states[s])
		}

		if s.id == 0 {
			return nil
		}

		if other, ok := ids[s.id]; ok && other != s {
			return fmt.Errorf("identity %d held by two sessions", s.id)
		}

		ids[s.id] = s
		if r.live[s.id] != s {
			return fmt.Errorf("identity %d missing from the live table", s.id)
		}

		return nil
	}

	for _, p := range r.pending {
		if err := check(p.Session, StatePending); err != nil {
			return err
		}
	}

	for _, s := range r.active {
		if err := check(s, StateActive); err != nil {
			return err
		}
	}

	for _, e := range r.reconnecting {
		if err := check(e.Session, StateReconnecting); err != nil {
			return err
		}
	}

	for s, st := range r.states {
		if st != StateNone && seen[s] != st {
			return fmt.Errorf("session %d recorded as %s but in no set", s.id, st)
		}
	}

	return nil
}

func (r *Registry) mustBe(s *Session, want State, op string) {
	if got := r.states[s]; got != want {
		panic(fmt.Sprintf("session: %s of session %d in state %s, want %s", op, s.id, got, want))
	}
}

func (r *Registry) watch(s *Session) {
	r.unsubs[s] = s.OnDisconnect(func(s *Session, _ error) {
		r.Remove(s)
	})
}

func (r *Registry) forget(s *Session) {
	if unsub, ok := r.unsubs[s]; ok {
		unsub()
		delete(r.unsubs, s)
	}
}

func (r *Registry) dropPending(s *Session) {
	for i, p := range r.pending {
		if p.Session == s {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

func (r *Registry) dropActive(s *Session) {
	for i, a := range r.active {
		if a == s {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return
		}
	}
}

func (r *Registry) dropReconnecting(s *Session) {
	for i, e := range r.reconnecting {
		if e.Session == s {
			r.reconnecting = append(r.reconnecting[:i], r.reconnecting[i+1:]...)
			return
		}
	}
}
