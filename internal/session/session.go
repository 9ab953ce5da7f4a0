// Package session owns the setup and teardown sequence that makes a
// vehicle willing to stream telemetry to this process: local receiver,
// public tunnel, partner identity reconciliation, and the signed
// remote configuration push.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voltgate/voltgate/internal/fleet"
	"github.com/voltgate/voltgate/internal/telemetry"
	"github.com/voltgate/voltgate/internal/tunnel"
)

const (
	registerRetries = 12
	registerDelay   = 5 * time.Second
)

// Handle identifies one active telemetry session.
type Handle struct {
	ID        string
	TunnelURL string
	Hostname  string
	VIN       string
	Port      int
}

// ReceiverControl starts and stops the local WebSocket receiver. The
// combined runtime passes nil controls because the unified port is
// already bound.
type ReceiverControl struct {
	Start func(ctx context.Context, port int) error
	Stop  func(ctx context.Context) error
}

// Option configures a Session.
type Option func(*Session)

// WithReceiver attaches receiver lifecycle controls.
func WithReceiver(rc ReceiverControl) Option {
	return func(s *Session) { s.receiver = rc }
}

// WithRegisterRetry overrides the partner-registration retry policy.
func WithRegisterRetry(attempts int, delay time.Duration) Option {
	return func(s *Session) {
		s.registerRetries = attempts
		s.registerDelay = delay
	}
}

// WithInteractive marks the session as user-attended; configuration
// errors carry remediation guidance instead of bare failures.
func WithInteractive(interactive bool) Option {
	return func(s *Session) { s.interactive = interactive }
}

// Session drives telemetry-session setup for one vehicle.
type Session struct {
	client *fleet.Client
	tunnel tunnel.Manager
	vin    string
	port   int
	fields map[string]telemetry.FieldConfig

	receiver        ReceiverControl
	registerRetries int
	registerDelay   time.Duration
	interactive     bool
	log             *slog.Logger

	// teardown state
	receiverUp     bool
	tunnelUp       bool
	configPushed   bool
	originalDomain string
}

// New builds a Session. port is the local receiver port the tunnel
// forwards to.
func New(client *fleet.Client, tm tunnel.Manager, vin string, port int, fields map[string]telemetry.FieldConfig, opts ...Option) *Session {
	s := &Session{
		client:          client,
		tunnel:          tm,
		vin:             vin,
		port:            port,
		fields:          fields,
		registerRetries: registerRetries,
		registerDelay:   registerDelay,
		log:             slog.Default().With("component", "telemetry-session", "vin", vin),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the five setup steps in order and returns the session
// handle. A failure part-way through leaves earlier steps up; callers
// must run Stop regardless.
func (s *Session) Start(ctx context.Context) (*Handle, error) {
	if s.receiver.Start != nil {
		if err := s.receiver.Start(ctx, s.port); err != nil {
			return nil, fmt.Errorf("session: start receiver: %w", err)
		}
		s.receiverUp = true
	}

	info, err := s.tunnel.Start(ctx, s.port)
	if err != nil {
		return nil, fmt.Errorf("session: start tunnel: %w", err)
	}
	s.tunnelUp = true

	if err := s.reconcileIdentity(ctx, info.Hostname); err != nil {
		return nil, err
	}

	if err := s.pushConfig(ctx, info); err != nil {
		return nil, err
	}

	s.log.Info("telemetry session established", "hostname", info.Hostname)
	return &Handle{
		ID:        uuid.NewString(),
		TunnelURL: info.URL,
		Hostname:  info.Hostname,
		VIN:       s.vin,
		Port:      s.port,
	}, nil
}

// reconcileIdentity re-registers the partner domain when the tunnel
// hostname differs from what the provider has on file. The provider
// needs time to fetch the public key from a fresh hostname, so "key
// not fetchable" is retried on a fixed cadence.
func (s *Session) reconcileIdentity(ctx context.Context, hostname string) error {
	account, err := s.client.PartnerAccount(ctx)
	if err != nil {
		s.log.Warn("partner account lookup failed, registering anyway", "error", err)
	}
	current := fleet.RegisteredDomain(account)
	if current == hostname {
		return nil
	}
	s.originalDomain = current

	var lastErr error
	for attempt := 1; attempt <= s.registerRetries; attempt++ {
		_, err := s.client.RegisterPartner(ctx, hostname)
		if err == nil {
			s.log.Info("partner domain registered", "hostname", hostname, "previous", current)
			return nil
		}
		lastErr = err

		var origin *fleet.OriginMismatchError
		if errors.As(err, &origin) {
			if s.interactive {
				return fmt.Errorf("session: the provider rejected %q as an allowed origin; "+
					"add it to your application's allowed origins in the developer portal, then retry: %w", hostname, err)
			}
			return fmt.Errorf("session: tunnel hostname %q is not an allowed origin: %w", hostname, err)
		}

		var notFetchable *fleet.KeyNotFetchableError
		if !errors.As(err, &notFetchable) {
			return fmt.Errorf("session: register partner domain: %w", err)
		}
		s.log.Info("public key not yet fetchable, retrying",
			"attempt", attempt, "of", s.registerRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.registerDelay):
		}
	}
	return fmt.Errorf("session: provider could not fetch public key from %q: %w", hostname, lastErr)
}

func (s *Session) pushConfig(ctx context.Context, info tunnel.Info) error {
	cfg := fleet.TelemetryConfig{
		Hostname:   info.Hostname,
		Port:       443,
		CA:         info.CAPEM,
		Fields:     s.fields,
		AlertTypes: []string{"service"},
	}
	_, err := s.client.CreateTelemetryConfig(ctx, []string{s.vin}, cfg)
	if err != nil {
		var scopes *fleet.MissingScopesError
		if errors.As(err, &scopes) {
			return fmt.Errorf("session: the access token lacks the scopes needed for telemetry "+
				"configuration; re-authorize with the full scope set and retry: %w", err)
		}
		return fmt.Errorf("session: push telemetry config: %w", err)
	}
	s.configPushed = true
	return nil
}

// Stop tears down in reverse order. Every step tolerates failure and
// continues; the first error is returned for logging only.
func (s *Session) Stop(ctx context.Context) error {
	var first error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		s.log.Warn("teardown step failed", "step", step, "error", err)
		if first == nil {
			first = fmt.Errorf("session: %s: %w", step, err)
		}
	}

	if s.configPushed {
		_, err := s.client.DeleteTelemetryConfig(ctx, s.vin)
		record("delete telemetry config", err)
		s.configPushed = false
	}
	if s.originalDomain != "" {
		_, err := s.client.RegisterPartner(ctx, s.originalDomain)
		record("restore partner domain", err)
		s.originalDomain = ""
	}
	if s.tunnelUp {
		record("stop tunnel", s.tunnel.Stop(ctx))
		s.tunnelUp = false
	}
	if s.receiverUp && s.receiver.Stop != nil {
		record("stop receiver", s.receiver.Stop(ctx))
		s.receiverUp = false
	}
	return first
}
