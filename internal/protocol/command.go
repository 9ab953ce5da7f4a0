package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Domain identifies the vehicle subsystem a command is routed to.
type Domain string

const (
	DomainVCSEC        Domain = "vcsec"
	DomainInfotainment Domain = "infotainment"
	DomainBroadcast    Domain = "broadcast"
)

// EncodeSignedCommand serializes a command payload, signs it with the
// session, and returns the routable message for the signed-command
// channel.
func EncodeSignedCommand(s *Session, domain Domain, command string, body map[string]any, ttl time.Duration) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"domain":  domain,
		"command": command,
		"body":    body,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command payload: %w", err)
	}

	signed, err := s.Sign(payload, ttl)
	if err != nil {
		return nil, err
	}

	msg, err := json.Marshal(map[string]string{
		"metadata": base64.StdEncoding.EncodeToString(signed.Metadata),
		"tag":      base64.StdEncoding.EncodeToString(signed.Tag),
		"payload":  base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode routable message: %w", err)
	}
	return msg, nil
}
