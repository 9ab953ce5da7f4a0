package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Sink consumes decoded frames. Implementations must tolerate being
// called sequentially from a single goroutine; they are never invoked
// in parallel.
type Sink interface {
	Name() string
	HandleFrame(ctx context.Context, frame *Frame) error
}

// Fanout broadcasts each frame to every registered sink in
// registration order. One sink's failure never stops delivery to the
// others, so frames cannot be reordered or partially lost behind a
// broken consumer.
type Fanout struct {
	sinks  []Sink
	frames atomic.Uint64
	log    *slog.Logger
}

// NewFanout returns an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{
		log: slog.Default().With("component", "telemetry-fanout"),
	}
}

// Register appends a sink. Registration order is delivery order.
func (f *Fanout) Register(s Sink) {
	f.sinks = append(f.sinks, s)
	f.log.Debug("sink registered", "sink", s.Name(), "total", len(f.sinks))
}

// Sinks returns the registered sinks in delivery order.
func (f *Fanout) Sinks() []Sink {
	return f.sinks
}

// Dispatch delivers a frame to all sinks sequentially. Errors and
// panics are contained per sink and logged; the frame counter advances
// regardless.
func (f *Fanout) Dispatch(ctx context.Context, frame *Frame) {
	f.frames.Add(1)
	for _, s := range f.sinks {
		f.dispatchOne(ctx, s, frame)
	}
}

func (f *Fanout) dispatchOne(ctx context.Context, s Sink, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("sink panicked", "sink", s.Name(), "panic", r)
		}
	}()
	if err := s.HandleFrame(ctx, frame); err != nil {
		f.log.Warn("sink failed", "sink", s.Name(), "vin", frame.VIN, "error", err)
	}
}

// FrameCount reports how many frames have been dispatched.
func (f *Fanout) FrameCount() uint64 {
	return f.frames.Load()
}
