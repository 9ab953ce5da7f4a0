package serve

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/voltgate/voltgate/internal/bridge"
	"github.com/voltgate/voltgate/internal/telemetry"
	"github.com/voltgate/voltgate/internal/trigger"
)

// jsonlSink writes one JSON line per frame, the headless stand-in for
// an interactive display.
type jsonlSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func newJSONLSink(w io.Writer) *jsonlSink {
	return &jsonlSink{w: w, enc: json.NewEncoder(w)}
}

func (s *jsonlSink) Name() string { return "display" }

func (s *jsonlSink) HandleFrame(_ context.Context, frame *telemetry.Frame) error {
	line := map[string]any{
		"vin":       frame.VIN,
		"timestamp": frame.CreatedAt.UTC().Format(time.RFC3339),
	}
	data := make(map[string]any, len(frame.Data))
	for _, d := range frame.Data {
		data[d.FieldName] = d.Value
	}
	line["data"] = data

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(line)
}

// evalSink evaluates triggers on every datum when the bridge is not
// active (the bridge already evaluates them; running both would
// double-fire). The previous value comes from the latest-value store,
// which is updated before evaluation.
type evalSink struct {
	store    *bridge.Store
	triggers *trigger.Manager
}

func newEvalSink(store *bridge.Store, triggers *trigger.Manager) *evalSink {
	return &evalSink{store: store, triggers: triggers}
}

func (s *evalSink) Name() string { return "trigger-eval" }

func (s *evalSink) HandleFrame(_ context.Context, frame *telemetry.Frame) error {
	at := frame.CreatedAt
	for _, d := range frame.Data {
		var prev any
		if snap, ok := s.store.Get(frame.VIN, d.FieldName); ok {
			prev = snap.Value
		}
		s.store.Put(frame.VIN, d.FieldName, d.Value, at)
		s.triggers.Evaluate(frame.VIN, d.FieldName, d.Value, prev, at)
	}
	return nil
}
