package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/voltgate/voltgate/internal/metrics"
	"github.com/voltgate/voltgate/internal/telemetry"
	"github.com/voltgate/voltgate/internal/trigger"
)

const (
	reconnectBase = 5 * time.Second
	reconnectMax  = 120 * time.Second
	// maxPendingPush bounds queued trigger notifications while the
	// gateway is unreachable; the oldest entry is discarded on
	// overflow.
	maxPendingPush = 1000
)

// triggerEvent is the gateway frame for a fired trigger.
type triggerEvent struct {
	Method string             `json:"method"`
	Params triggerEventParams `json:"params"`
}

type triggerEventParams struct {
	TriggerID string `json:"trigger_id"`
	Field     string `json:"field"`
	Operator  string `json:"operator"`
	Value     any    `json:"value"`
	VIN       string `json:"vin"`
	FiredAt   string `json:"fired_at"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithStore attaches the latest-value store updated on every datum.
func WithStore(s *Store) Option {
	return func(b *Bridge) { b.store = s }
}

// WithTriggers attaches the trigger manager evaluated on every datum.
func WithTriggers(m *trigger.Manager) Option {
	return func(b *Bridge) { b.triggers = m }
}

// WithDryRun prints events as JSONL instead of sending them.
func WithDryRun(dryRun bool) Option {
	return func(b *Bridge) { b.dryRun = dryRun }
}

// WithOutput redirects dry-run JSONL output.
func WithOutput(w io.Writer) Option {
	return func(b *Bridge) { b.out = w }
}

// WithClientID sets the source id stamped on lifecycle events.
func WithClientID(id string) Option {
	return func(b *Bridge) {
		if id != "" {
			b.clientID = id
		}
	}
}

// WithVIN sets the vehicle id stamped on lifecycle events.
func WithVIN(vin string) Option {
	return func(b *Bridge) { b.vin = vin }
}

// WithBridgeMetrics attaches runtime instruments.
func WithBridgeMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithCommandHandler serves inbound gateway requests (vehicle
// commands, trigger management) through the handler while connected.
func WithCommandHandler(h RequestHandler) Option {
	return func(b *Bridge) { b.commands = h }
}

// Bridge is the telemetry sink that forwards filtered datums to the
// outbound gateway. Each frame runs two phases: filtered emission,
// then store update plus trigger evaluation over every datum. A
// trigger firing on a filter-blocked datum force-emits that datum so
// the gateway always sees the value that fired.
type Bridge struct {
	gateway  *Client
	filter   *DualGateFilter
	emitter  *Emitter
	store    *Store
	triggers *trigger.Manager

	dryRun   bool
	clientID string
	vin      string
	out      io.Writer
	commands RequestHandler
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu               sync.Mutex
	eventCount       uint64
	dropCount        uint64
	lastEvent        time.Time
	reconnectAt      time.Time
	reconnectBackoff time.Duration
	shuttingDown     bool
	pending          []trigger.Notification
}

// New assembles a Bridge over a gateway client, filter, and emitter.
func New(gateway *Client, filter *DualGateFilter, emitter *Emitter, opts ...Option) *Bridge {
	b := &Bridge{
		gateway:          gateway,
		filter:           filter,
		emitter:          emitter,
		clientID:         defaultClientID,
		out:              os.Stdout,
		reconnectBackoff: reconnectBase,
		log:              slog.Default().With("component", "bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements telemetry.Sink.
func (b *Bridge) Name() string { return "bridge" }

// EventCount returns the number of emitted events.
func (b *Bridge) EventCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventCount
}

// DropCount returns the number of datums dropped by the filter, the
// emitter, or a dead gateway.
func (b *Bridge) DropCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropCount
}

// LastEventTime returns when the last event was emitted.
func (b *Bridge) LastEventTime() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastEvent, !b.lastEvent.IsZero()
}

// HandleFrame implements telemetry.Sink. Send failures are counted
// and discarded; the frame loop never dies on a bad gateway.
func (b *Bridge) HandleFrame(ctx context.Context, frame *telemetry.Frame) error {
	now := time.Now()

	// Phase 1: filtered emission.
	emitted := make(map[string]struct{})
	for _, datum := range frame.Data {
		if !b.filter.ShouldEmit(datum.FieldName, datum.Value, now) {
			b.addDrop()
			continue
		}
		if b.sendDatum(ctx, datum, frame, now) {
			emitted[datum.FieldName] = struct{}{}
		}
	}

	// Phase 2: store update and trigger evaluation over every datum,
	// not just the ones the filter passed, so reads stay current and
	// triggers see every change.
	if b.store == nil && b.triggers == nil {
		return nil
	}
	for _, datum := range frame.Data {
		var previous any
		if b.store != nil {
			if snap, ok := b.store.Get(frame.VIN, datum.FieldName); ok {
				previous = snap.Value
			}
			b.store.Put(frame.VIN, datum.FieldName, datum.Value, frame.CreatedAt)
		}
		if b.triggers == nil {
			continue
		}
		fired := b.triggers.Evaluate(frame.VIN, datum.FieldName, datum.Value, previous, frame.CreatedAt)
		if len(fired) == 0 {
			continue
		}
		if _, ok := emitted[datum.FieldName]; ok {
			continue
		}
		if b.sendDatum(ctx, datum, frame, now) {
			emitted[datum.FieldName] = struct{}{}
			b.log.Info("force-emitted datum for fired trigger",
				"field", datum.FieldName, "vin", frame.VIN)
		}
	}
	return nil
}

// sendDatum transforms one datum and emits it, updating filter state
// and counters. Reports whether the event went out (or was printed in
// dry-run mode).
func (b *Bridge) sendDatum(ctx context.Context, datum telemetry.Datum, frame *telemetry.Frame, now time.Time) bool {
	event := b.emitter.ToEvent(datum.FieldName, datum.Value, frame.VIN, frame.CreatedAt)
	if event == nil {
		b.addDrop()
		return false
	}

	b.filter.RecordEmit(datum.FieldName, datum.Value, now)
	b.mu.Lock()
	b.eventCount++
	b.lastEvent = now
	b.mu.Unlock()
	b.metrics.AddEventEmitted(ctx)

	if b.dryRun {
		line, err := json.Marshal(event)
		if err != nil {
			b.log.Warn("event marshal failed", "field", datum.FieldName, "error", err)
			return false
		}
		fmt.Fprintln(b.out, string(line))
		return true
	}

	if !b.gateway.IsConnected() {
		b.maybeReconnect(ctx)
		if !b.gateway.IsConnected() {
			b.addDrop()
			return false
		}
	}

	b.gateway.SendEvent(event)
	return true
}

func (b *Bridge) addDrop() {
	b.mu.Lock()
	b.dropCount++
	b.mu.Unlock()
	b.metrics.AddEventDropped(context.Background())
}

// maybeReconnect attempts one gateway reconnection, rate-limited by
// an exponential backoff window.
func (b *Bridge) maybeReconnect(ctx context.Context) {
	b.mu.Lock()
	if b.shuttingDown || time.Now().Before(b.reconnectAt) {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.gateway.Connect(ctx); err != nil {
		b.mu.Lock()
		b.reconnectAt = time.Now().Add(b.reconnectBackoff)
		wait := b.reconnectBackoff
		b.reconnectBackoff = min(b.reconnectBackoff*2, reconnectMax)
		b.mu.Unlock()
		b.log.Warn("gateway reconnect failed", "next_attempt_in", wait, "error", err)
		return
	}

	b.mu.Lock()
	b.reconnectBackoff = reconnectBase
	b.reconnectAt = time.Time{}
	b.mu.Unlock()
	b.log.Info("reconnected to gateway")

	b.SendConnected()
	if n := b.FlushPending(); n > 0 {
		b.log.Info("flushed pending trigger notifications", "count", n)
	}
}

// PushCallback returns the trigger delivery callback, or nil in
// dry-run mode (the caller skips registration). One-shot triggers are
// finalized only after a confirmed gateway write so the notification
// is never lost with the trigger.
func (b *Bridge) PushCallback() trigger.Callback {
	if b.dryRun {
		return nil
	}
	return func(n trigger.Notification) {
		if b.gateway.IsConnected() {
			b.gateway.SendEvent(newTriggerEvent(n))
			// SendEvent never errors; a failed write flips the
			// connection state.
			if b.gateway.IsConnected() {
				b.log.Info("pushed trigger notification", "trigger", n.TriggerID)
				if n.Once && b.triggers != nil {
					b.triggers.Finalize(n.TriggerID)
				}
				return
			}
		}
		b.queuePending(n)
	}
}

// FlushPending replays queued trigger notifications. It stops at the
// first failed write and reports how many were delivered.
func (b *Bridge) FlushPending() int {
	if b.dryRun || !b.gateway.IsConnected() {
		return 0
	}

	sent := 0
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return sent
		}
		n := b.pending[0]
		b.mu.Unlock()

		b.gateway.SendEvent(newTriggerEvent(n))
		if !b.gateway.IsConnected() {
			b.log.Warn("pending flush interrupted", "sent", sent)
			return sent
		}

		b.mu.Lock()
		b.pending = b.pending[1:]
		b.mu.Unlock()
		sent++
		if n.Once && b.triggers != nil {
			b.triggers.Finalize(n.TriggerID)
		}
	}
}

// PendingPush reports the queued trigger notification count.
func (b *Bridge) PendingPush() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) queuePending(n trigger.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= maxPendingPush {
		dropped := b.pending[0]
		b.pending = b.pending[1:]
		b.log.Warn("pending push queue full, dropping oldest", "trigger", dropped.TriggerID)
	}
	b.pending = append(b.pending, n)
	b.log.Warn("trigger notification queued", "trigger", n.TriggerID)
}

func newTriggerEvent(n trigger.Notification) triggerEvent {
	return triggerEvent{
		Method: "trigger.fired",
		Params: triggerEventParams{
			TriggerID: n.TriggerID,
			Field:     n.Field,
			Operator:  string(n.Operator),
			Value:     n.Value,
			VIN:       n.VIN,
			FiredAt:   n.FiredAt.UTC().Format(time.RFC3339),
		},
	}
}

// SendConnected announces the bridge on the gateway. Reports whether
// the event was written (always true in dry-run mode).
func (b *Bridge) SendConnected() bool {
	if b.dryRun {
		return true
	}
	if !b.gateway.IsConnected() {
		return false
	}
	b.gateway.SendEvent(b.lifecycleEvent("node.connected"))
	return b.gateway.IsConnected()
}

// SendDisconnecting announces shutdown and stops further reconnects.
func (b *Bridge) SendDisconnecting() {
	b.mu.Lock()
	b.shuttingDown = true
	b.mu.Unlock()
	if b.dryRun || !b.gateway.IsConnected() {
		return
	}
	b.gateway.SendEvent(b.lifecycleEvent("node.disconnecting"))
}

func (b *Bridge) lifecycleEvent(eventType string) *Event {
	return &Event{
		Method: "req:agent",
		Params: EventParams{
			EventType: eventType,
			Source:    b.clientID,
			VIN:       b.vin,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Data:      map[string]any{},
		},
	}
}

// Start implements transport.Listener: establish the gateway
// connection and hold it for the lifetime of the context. Dry-run
// mode skips the connection entirely.
func (b *Bridge) Start(ctx context.Context) error {
	if b.dryRun {
		<-ctx.Done()
		return nil
	}
	if err := b.gateway.ConnectWithBackoff(ctx, 0); err != nil {
		return err
	}
	b.SendConnected()
	b.FlushPending()
	if b.commands != nil {
		if err := b.gateway.ServeRequests(ctx, b.commands); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

// Stop implements transport.Listener.
func (b *Bridge) Stop(_ context.Context) error {
	b.SendDisconnecting()
	return b.gateway.Close()
}
