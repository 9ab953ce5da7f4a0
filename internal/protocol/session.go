package protocol

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// defaultCommandTTL bounds how long a signed command stays valid.
const defaultCommandTTL = 15 * time.Second

// SignedCommand carries the encoded metadata and tag for one signed
// payload.
type SignedCommand struct {
	Metadata  []byte
	Tag       []byte
	Epoch     []byte
	Counter   uint32
	ExpiresAt uint32
}

// Session pairs a derived signing key with a fresh random epoch and a
// strictly increasing counter. Sessions are ephemeral: a restart gets
// a new epoch, so the counter may restart from one.
type Session struct {
	signingKey []byte
	epoch      []byte
	start      time.Time
	clockDelta int64 // vehicle clock offset in seconds, if known

	mu      sync.Mutex
	counter uint32
}

// NewSession derives a signing session from the shared session key.
func NewSession(sessionKey []byte) (*Session, error) {
	epoch := make([]byte, epochLen)
	if _, err := rand.Read(epoch); err != nil {
		return nil, fmt.Errorf("protocol: generate epoch: %w", err)
	}
	return &Session{
		signingKey: DeriveSigningKey(sessionKey),
		epoch:      epoch,
		start:      time.Now(),
	}, nil
}

// SetClockDelta records the vehicle-reported clock offset in seconds,
// applied to every subsequent expiry computation.
func (s *Session) SetClockDelta(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockDelta = delta
}

// Epoch returns the session's random epoch identifier.
func (s *Session) Epoch() []byte {
	return s.epoch
}

// Counter returns the last issued counter value.
func (s *Session) Counter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Sign builds the TLV metadata for payload, advances the counter, and
// computes the authentication tag. ttl <= 0 uses the default command
// TTL.
func (s *Session) Sign(payload []byte, ttl time.Duration) (*SignedCommand, error) {
	if ttl <= 0 {
		ttl = defaultCommandTTL
	}

	s.mu.Lock()
	s.counter++
	counter := s.counter
	delta := s.clockDelta
	s.mu.Unlock()

	expiresAt := uint32(int64(time.Since(s.start)/time.Second) + int64(ttl/time.Second) + delta)

	meta := Metadata{
		Epoch:     s.epoch,
		ExpiresAt: expiresAt,
		Counter:   counter,
	}
	encoded, err := meta.Encode()
	if err != nil {
		return nil, err
	}

	return &SignedCommand{
		Metadata:  encoded,
		Tag:       ComputeTag(s.signingKey, encoded, payload),
		Epoch:     s.epoch,
		Counter:   counter,
		ExpiresAt: expiresAt,
	}, nil
}
