package trigger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/voltgate/voltgate/internal/metrics"
)

const (
	// MaxTriggers caps the number of registered triggers.
	MaxTriggers = 100
	// maxPending bounds the notification queue; the oldest entry is
	// discarded on overflow.
	maxPending = 500
)

// ErrLimitReached is returned when the trigger cap is hit.
var ErrLimitReached = fmt.Errorf("trigger: limit of %d triggers reached", MaxTriggers)

// Callback receives each notification as it fires. Panics are
// contained so sibling callbacks still run.
type Callback func(Notification)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches runtime instruments.
func WithManagerMetrics(m *metrics.Metrics) ManagerOption {
	return func(mg *Manager) { mg.metrics = m }
}

// Manager holds registered triggers, keyed by id and inverted-indexed
// by field. All state is guarded by one mutex; evaluation happens on
// the telemetry path.
type Manager struct {
	mu        sync.Mutex
	triggers  map[string]*Trigger
	byField   map[string]map[string]struct{}
	lastFired map[string]time.Time
	// firedOnce holds one-shot triggers that fired but whose delivery
	// has not been confirmed yet. They are no longer listable or
	// evaluable; Finalize clears the bookkeeping.
	firedOnce map[string]struct{}
	pending   []Notification
	callbacks []Callback

	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewManager returns an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		triggers:  make(map[string]*Trigger),
		byField:   make(map[string]map[string]struct{}),
		lastFired: make(map[string]time.Time),
		firedOnce: make(map[string]struct{}),
		log:       slog.Default().With("component", "trigger-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnFire registers a delivery callback.
func (m *Manager) OnFire(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Create registers a trigger and returns it.
func (m *Manager) Create(cond Condition, once bool, cooldownSeconds float64) (*Trigger, error) {
	if cond.Field == "" {
		return nil, fmt.Errorf("trigger: field is required")
	}
	if _, err := ParseOperator(string(cond.Operator)); err != nil {
		return nil, err
	}
	if (cond.Operator == OpEnter || cond.Operator == OpLeave) && cond.Fence == nil {
		return nil, fmt.Errorf("trigger: %s requires a geofence", cond.Operator)
	}
	if cooldownSeconds < 0 {
		return nil, fmt.Errorf("trigger: cooldown must be >= 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.triggers) >= MaxTriggers {
		return nil, ErrLimitReached
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}
	tr := &Trigger{
		ID:        id,
		Condition: cond,
		Once:      once,
		Cooldown:  cooldownSeconds,
		CreatedAt: time.Now().UTC(),
	}
	m.triggers[id] = tr
	ids := m.byField[cond.Field]
	if ids == nil {
		ids = make(map[string]struct{})
		m.byField[cond.Field] = ids
	}
	ids[id] = struct{}{}

	m.log.Info("trigger created", "id", id, "field", cond.Field, "operator", cond.Operator, "once", once)
	return tr, nil
}

// Delete removes a trigger from the primary map and the field index.
// Deleting an unknown id is a no-op and reports false.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Manager) deleteLocked(id string) bool {
	tr, ok := m.triggers[id]
	if !ok {
		return false
	}
	delete(m.triggers, id)
	if ids, ok := m.byField[tr.Condition.Field]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.byField, tr.Condition.Field)
		}
	}
	delete(m.lastFired, id)
	return true
}

// Get returns a registered trigger.
func (m *Manager) Get(id string) (*Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.triggers[id]
	return tr, ok
}

// List returns all registered triggers.
func (m *Manager) List() []*Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Trigger, 0, len(m.triggers))
	for _, tr := range m.triggers {
		out = append(out, tr)
	}
	return out
}

// Count returns the number of registered triggers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triggers)
}

// Finalize clears the post-fire bookkeeping of a one-shot trigger
// after its notification was confirmed delivered.
func (m *Manager) Finalize(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.firedOnce, id)
}

// Evaluate runs every trigger watching field against the new value
// and returns the notifications that fired. One-shot triggers are
// removed from the registry on fire so they cannot fire again.
func (m *Manager) Evaluate(vin, field string, value, previous any, at time.Time) []Notification {
	m.mu.Lock()

	ids, ok := m.byField[field]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	var fired []Notification
	var onceFired []string
	for id := range ids {
		tr := m.triggers[id]
		if tr == nil {
			continue
		}
		if !tr.Once && tr.Cooldown > 0 {
			if last, ok := m.lastFired[id]; ok && at.Sub(last) < time.Duration(tr.Cooldown*float64(time.Second)) {
				continue
			}
		}
		if !matches(tr.Condition, value, previous) {
			continue
		}

		m.lastFired[id] = at
		n := Notification{
			TriggerID:     id,
			Field:         field,
			Operator:      tr.Condition.Operator,
			Threshold:     threshold(tr.Condition),
			Value:         value,
			PreviousValue: previous,
			FiredAt:       at.UTC(),
			VIN:           vin,
			Once:          tr.Once,
		}
		fired = append(fired, n)
		m.pushPendingLocked(n)
		if tr.Once {
			onceFired = append(onceFired, id)
		}
	}

	for _, id := range onceFired {
		m.deleteLocked(id)
		m.firedOnce[id] = struct{}{}
	}
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, n := range fired {
		m.metrics.AddTriggerFire(context.Background())
		m.log.Info("trigger fired", "id", n.TriggerID, "field", n.Field, "operator", n.Operator)
		for _, cb := range callbacks {
			m.invoke(cb, n)
		}
	}
	return fired
}

// EvaluateOne runs a single trigger against a value, with the same
// fire bookkeeping as Evaluate. Used to test a freshly created
// trigger against the latest stored value.
func (m *Manager) EvaluateOne(id, vin string, value, previous any, at time.Time) bool {
	m.mu.Lock()
	tr, ok := m.triggers[id]
	if !ok || !matches(tr.Condition, value, previous) {
		m.mu.Unlock()
		return false
	}

	m.lastFired[id] = at
	n := Notification{
		TriggerID:     id,
		Field:         tr.Condition.Field,
		Operator:      tr.Condition.Operator,
		Threshold:     threshold(tr.Condition),
		Value:         value,
		PreviousValue: previous,
		FiredAt:       at.UTC(),
		VIN:           vin,
		Once:          tr.Once,
	}
	m.pushPendingLocked(n)
	if tr.Once {
		m.deleteLocked(id)
		m.firedOnce[id] = struct{}{}
	}
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.metrics.AddTriggerFire(context.Background())
	m.log.Info("trigger fired", "id", n.TriggerID, "field", n.Field, "operator", n.Operator)
	for _, cb := range callbacks {
		m.invoke(cb, n)
	}
	return true
}

// DrainPending atomically returns and clears the pending queue.
func (m *Manager) DrainPending() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// PendingCount reports the queued notification count.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) pushPendingLocked(n Notification) {
	if len(m.pending) >= maxPending {
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, n)
}

func (m *Manager) invoke(cb Callback, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("trigger callback panicked", "trigger", n.TriggerID, "panic", r)
		}
	}()
	cb(n)
}

// matches applies the condition operator. Numeric coercion failure
// means no fire; enter/leave require a non-absent previous point.
func matches(cond Condition, value, previous any) bool {
	switch cond.Operator {
	case OpLT, OpGT, OpLTE, OpGTE:
		cur, okCur := coerceFloat(value)
		th, okTh := coerceFloat(cond.Value)
		if !okCur || !okTh {
			return false
		}
		switch cond.Operator {
		case OpLT:
			return cur < th
		case OpGT:
			return cur > th
		case OpLTE:
			return cur <= th
		default:
			return cur >= th
		}
	case OpEQ:
		return reflect.DeepEqual(value, cond.Value)
	case OpNEQ:
		return !reflect.DeepEqual(value, cond.Value)
	case OpChanged:
		return !reflect.DeepEqual(value, previous)
	case OpEnter, OpLeave:
		if cond.Fence == nil || previous == nil {
			return false
		}
		cur, okCur := asLocation(value)
		prev, okPrev := asLocation(previous)
		if !okCur || !okPrev {
			return false
		}
		curIn := cond.Fence.Contains(cur)
		prevIn := cond.Fence.Contains(prev)
		if cond.Operator == OpEnter {
			return curIn && !prevIn
		}
		return !curIn && prevIn
	default:
		return false
	}
}

func threshold(cond Condition) any {
	if cond.Fence != nil {
		return *cond.Fence
	}
	return cond.Value
}

// newID returns a 12-character hex id.
func newID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("trigger: generate id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
