package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voltgate/voltgate/internal/cache"
)

const (
	// defaultFlushInterval is how often staged telemetry is merged
	// into the response cache.
	defaultFlushInterval = time.Second
	// defaultTelemetryTTL is the lifetime of cache entries written
	// from streaming telemetry. Longer than the REST default because
	// the stream keeps refreshing them.
	defaultTelemetryTTL = 120 * time.Second
)

// CacheSinkOption configures a CacheSink.
type CacheSinkOption func(*CacheSink)

// WithCacheFlushInterval overrides the flush interval.
func WithCacheFlushInterval(d time.Duration) CacheSinkOption {
	return func(s *CacheSink) { s.flushInterval = d }
}

// WithCacheTelemetryTTL overrides the TTL for telemetry-written
// entries.
func WithCacheTelemetryTTL(d time.Duration) CacheSinkOption {
	return func(s *CacheSink) { s.telemetryTTL = d }
}

// WithCacheVINFilter restricts the sink to frames for one vehicle.
func WithCacheVINFilter(vin string) CacheSinkOption {
	return func(s *CacheSink) { s.vinFilter = vin }
}

// CacheSink stages mapped telemetry updates and periodically merges
// them into the response cache, keeping reads warm while the vehicle
// streams. It never decreases cached detail: flushes deep-merge into
// the existing snapshot, right-wins at leaves only.
type CacheSink struct {
	store         *cache.Store
	mapper        *Mapper
	flushInterval time.Duration
	telemetryTTL  time.Duration
	vinFilter     string

	mu     sync.Mutex
	staged map[string]map[string]any // vin -> nested update tree
	log    *slog.Logger
}

// NewCacheSink returns a CacheSink writing through to store.
func NewCacheSink(store *cache.Store, mapper *Mapper, opts ...CacheSinkOption) *CacheSink {
	s := &CacheSink{
		store:         store,
		mapper:        mapper,
		flushInterval: defaultFlushInterval,
		telemetryTTL:  defaultTelemetryTTL,
		staged:        make(map[string]map[string]any),
		log:           slog.Default().With("component", "cache-sink"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Sink.
func (s *CacheSink) Name() string { return "cache" }

// HandleFrame stages every mappable datum of the frame.
func (s *CacheSink) HandleFrame(_ context.Context, frame *Frame) error {
	if s.vinFilter != "" && frame.VIN != s.vinFilter {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tree := s.staged[frame.VIN]
	if tree == nil {
		tree = make(map[string]any)
		s.staged[frame.VIN] = tree
	}
	for _, d := range frame.Data {
		for _, pv := range s.mapper.Map(d.FieldName, d.Value) {
			cache.Set(tree, pv.Path, pv.Value)
		}
	}
	return nil
}

// Flush merges all staged updates into the cache and marks each
// vehicle awake. A frame arriving for a streaming vehicle is proof
// the vehicle is online.
func (s *CacheSink) Flush() error {
	s.mu.Lock()
	staged := s.staged
	s.staged = make(map[string]map[string]any)
	s.mu.Unlock()

	for vin, tree := range staged {
		if len(tree) == 0 {
			continue
		}
		base := map[string]any{"vin": vin, "state": "online"}
		if entry, ok := s.store.Get(vin); ok && entry.Data != nil {
			base = entry.Data
		}
		merged := cache.Merge(base, tree)
		if err := s.store.Put(vin, merged, s.telemetryTTL); err != nil {
			s.log.Warn("cache flush failed", "vin", vin, "error", err)
			continue
		}
		if err := s.store.PutWakeState(vin, true, s.telemetryTTL); err != nil {
			s.log.Warn("wake state update failed", "vin", vin, "error", err)
		}
	}
	return nil
}

// Start runs the periodic flush loop until ctx is cancelled. It
// implements transport.Listener so the sink participates in the serve
// runtime's managed lifecycle.
func (s *CacheSink) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop performs a final flush so staged updates survive shutdown.
func (s *CacheSink) Stop(_ context.Context) error {
	return s.Flush()
}
