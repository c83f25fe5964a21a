package membership

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/identity"
)

// Table errors.
var (
	ErrNotFound          = errors.New("peer not found")
	ErrNotConnected      = errors.New("peer not connected")
	ErrIdentityConflict  = errors.New("identity held by another instance")
	ErrAlreadyConnected  = errors.New("peer already connected")
	ErrBusy              = errors.New("handshake already in progress")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Handle writes frames to one connected peer. Handles reject writes once
// closed, so a send racing a removal fails instead of touching a dead
// stream.
type Handle interface {
	Send(ctx context.Context, f *codec.Frame) error
	Close() error
}

// Entry is a snapshot of one remote peer.
type Entry struct {
	Identity    identity.Identity
	Instance    string
	Endpoint    string
	State       State
	Direction   Direction
	LastSeen    time.Time
	ConnectedAt time.Time
	Metadata    map[string]string

	// Evasive and Silent are set once the corresponding liveness event
	// has been reported for the current idle period.
	Evasive bool
	Silent  bool
}

// Detached is an entry removed from the table together with the handle
// that was bound to it. The caller closes the handle.
type Detached struct {
	Entry
	Handle Handle
}

type entry struct {
	Entry
	handle Handle
}

func (e *entry) snapshot() Entry {
	s := e.Entry
	s.Metadata = maps.Clone(e.Metadata)
	return s
}

// Table is the authoritative record of remote peers, keyed by identity.
// All operations are atomic; callers only ever see snapshots.
type Table struct {
	mu        sync.RWMutex
	entries   map[identity.Identity]*entry
	cooldowns map[string]*cooldown
	now       func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries:   make(map[identity.Identity]*entry),
		cooldowns: make(map[string]*cooldown),
		now:       time.Now,
	}
}

// Upsert returns the entry for id, creating it in StateDiscovered if absent.
func (t *Table) Upsert(id identity.Identity) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upsertLocked(id).snapshot()
}

func (t *Table) upsertLocked(id identity.Identity) *entry {
	e, ok := t.entries[id]
	if !ok {
		e = &entry{Entry: Entry{Identity: id, State: StateDiscovered, LastSeen: t.now()}}
		t.entries[id] = e
	}
	return e
}

// Find returns the entry for id.
func (t *Table) Find(id identity.Identity) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Observe records a beacon from instance of id reachable at endpoint.
// Entries without a stream adopt the announced instance and endpoint;
// a connected entry only has LastSeen refreshed when the instance matches.
func (t *Table) Observe(id identity.Identity, instance, endpoint string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.upsertLocked(id)
	switch {
	case !e.State.IsLive():
		e.Instance = instance
		e.Endpoint = endpoint
		e.LastSeen = t.now()
	case e.Instance == instance:
		e.LastSeen = t.now()
	}
	return e.snapshot()
}

// Transition moves id to state, validating against the transition table.
func (t *Table) Transition(id identity.Identity, state State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err := e.State.ValidateTransition(state); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	e.State = state
	return nil
}

// Remove deletes the entry for id and returns it. A bound handle is
// returned for the caller to close.
func (t *Table) Remove(id identity.Identity) (Detached, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Detached{}, false
	}
	delete(t.entries, id)
	e.State = StateDisconnected
	return Detached{Entry: e.snapshot(), Handle: e.handle}, true
}

// List returns snapshots of all entries in group, or of every entry when
// group is empty, ordered by identity.
func (t *Table) List(group string) []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for id, e := range t.entries {
		if group == "" || id.Group == group {
			out = append(out, e.snapshot())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.String() < out[j].Identity.String()
	})
	return out
}

// Claim reserves id for a handshake with instance. owned is true when the
// caller already holds the reservation, as a dialer does after claiming
// the entry before opening the stream.
//
// Claim fails with ErrIdentityConflict when a different instance holds a
// live stream for id, ErrAlreadyConnected when the same instance is
// already connected, and ErrBusy when another handshake with the same
// instance is in flight.
func (t *Table) Claim(id identity.Identity, instance string, owned bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.State.IsTerminal() {
		e = &entry{Entry: Entry{Identity: id, State: StateDiscovered}}
		t.entries[id] = e
	}

	switch e.State {
	case StateDiscovered:
		e.State = StateHandshaking
		e.Instance = instance
		e.LastSeen = t.now()
		return nil
	case StateHandshaking:
		if e.Instance != instance {
			return fmt.Errorf("%s: %w", id, ErrIdentityConflict)
		}
		if owned {
			return nil
		}
		return fmt.Errorf("%s: %w", id, ErrBusy)
	default:
		if e.Instance != instance {
			return fmt.Errorf("%s: %w", id, ErrIdentityConflict)
		}
		return fmt.Errorf("%s: %w", id, ErrAlreadyConnected)
	}
}

// Attach completes a claimed handshake, binding handle to the entry and
// moving it to StateConnected.
func (t *Table) Attach(id identity.Identity, instance string, handle Handle, dir Direction, endpoint string, metadata map[string]string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.Instance != instance {
		return Entry{}, fmt.Errorf("%s: %w", id, ErrIdentityConflict)
	}
	if err := e.State.ValidateTransition(StateConnected); err != nil {
		return Entry{}, fmt.Errorf("%s: %w", id, err)
	}

	now := t.now()
	e.State = StateConnected
	e.handle = handle
	e.Direction = dir
	e.Endpoint = endpoint
	e.Metadata = maps.Clone(metadata)
	e.ConnectedAt = now
	e.LastSeen = now
	e.Evasive, e.Silent = false, false
	delete(t.cooldowns, id.Key(instance))
	return e.snapshot(), nil
}

// Release drops a claim after a failed handshake with instance.
func (t *Table) Release(id identity.Identity, instance string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.State != StateHandshaking || e.Instance != instance {
		return false
	}
	delete(t.entries, id)
	return true
}

// Detach removes the connected entry for instance of id. Exactly one of
// any number of concurrent callers receives true, so the disconnect is
// reported once.
func (t *Table) Detach(id identity.Identity, instance string) (Detached, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.State != StateConnected || e.Instance != instance {
		return Detached{}, false
	}
	delete(t.entries, id)
	e.State = StateDisconnected
	return Detached{Entry: e.snapshot(), Handle: e.handle}, true
}

// Touch refreshes LastSeen for a connected instance and clears its
// liveness flags.
func (t *Table) Touch(id identity.Identity, instance string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.State != StateConnected || e.Instance != instance {
		return false
	}
	e.LastSeen = t.now()
	e.Evasive, e.Silent = false, false
	return true
}

// MarkEvasive flags a connected entry as evasive. It returns true only
// the first time within an idle period.
func (t *Table) MarkEvasive(id identity.Identity, instance string) bool {
	return t.mark(id, instance, func(e *entry) *bool { return &e.Evasive })
}

// MarkSilent flags a connected entry as silent. It returns true only the
// first time within an idle period.
func (t *Table) MarkSilent(id identity.Identity, instance string) bool {
	return t.mark(id, instance, func(e *entry) *bool { return &e.Silent })
}

func (t *Table) mark(id identity.Identity, instance string, flag func(*entry) *bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.State != StateConnected || e.Instance != instance {
		return false
	}
	f := flag(e)
	if *f {
		return false
	}
	*f = true
	return true
}

// Handle returns the handle of a connected entry together with its
// instance.
func (t *Table) Handle(id identity.Identity) (Handle, string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok || e.State != StateConnected || e.handle == nil {
		return nil, "", fmt.Errorf("%s: %w", id, ErrNotConnected)
	}
	return e.handle, e.Instance, nil
}

// PruneDiscovered removes entries without a stream that have not been
// seen since cutoff, and forgets expired cooldowns.
func (t *Table) PruneDiscovered(cutoff time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pruned []Entry
	for id, e := range t.entries {
		if e.State == StateDiscovered && e.LastSeen.Before(cutoff) {
			delete(t.entries, id)
			pruned = append(pruned, e.snapshot())
		}
	}
	now := t.now()
	for key, c := range t.cooldowns {
		if now.After(c.until) && c.until.Before(cutoff) {
			delete(t.cooldowns, key)
		}
	}
	return pruned
}

// Clear empties the table and returns every removed entry with its handle.
func (t *Table) Clear() []Detached {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Detached, 0, len(t.entries))
	for _, e := range t.entries {
		e.State = StateDisconnected
		out = append(out, Detached{Entry: e.snapshot(), Handle: e.handle})
	}
	t.entries = make(map[identity.Identity]*entry)
	t.cooldowns = make(map[string]*cooldown)
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// StartCooldown records a failed handshake with instance of id and returns
// how long further attempts are suppressed.
func (t *Table) StartCooldown(id identity.Identity, instance string, backoff *BackoffCalculator) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := id.Key(instance)
	c, ok := t.cooldowns[key]
	if !ok {
		c = &cooldown{}
		t.cooldowns[key] = c
	}
	delay := backoff.NextDelay(c.attempts)
	c.attempts++
	c.until = t.now().Add(delay)
	return delay
}

// InCooldown reports whether attempts with instance of id are suppressed.
func (t *Table) InCooldown(id identity.Identity, instance string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.cooldowns[id.Key(instance)]
	return ok && t.now().Before(c.until)
}

// CooldownRemaining returns the time left in the cooldown of instance of
// id, or 0.
func (t *Table) CooldownRemaining(id identity.Identity, instance string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.cooldowns[id.Key(instance)]
	if !ok {
		return 0
	}
	if remaining := c.until.Sub(t.now()); remaining > 0 {
		return remaining
	}
	return 0
}
