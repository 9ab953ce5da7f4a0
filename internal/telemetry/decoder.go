// Package telemetry decodes fleet-telemetry pushes and fans the
// resulting frames out to the configured sinks (cache warmer, CSV log,
// bridge, triggers, display).
package telemetry

import (
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Location is a decoded GPS coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Datum is one field/value pair within a frame. Value holds one of
// string, int64, float64, bool, or Location.
type Datum struct {
	FieldID   int32
	FieldName string
	Value     any
}

// Frame is one decoded telemetry record pushed by the vehicle.
type Frame struct {
	VIN       string
	CreatedAt time.Time
	IsResend  bool
	Data      []Datum
}

// Wire layout of the upstream Payload message.
const (
	payloadFieldData      = 1
	payloadFieldCreatedAt = 2
	payloadFieldVIN       = 3
	payloadFieldIsResend  = 4

	datumFieldKey   = 1
	datumFieldValue = 2

	valueFieldString   = 1
	valueFieldInt      = 2
	valueFieldLong     = 3
	valueFieldFloat    = 4
	valueFieldDouble   = 5
	valueFieldBool     = 6
	valueFieldLocation = 7

	locationFieldLatitude  = 1
	locationFieldLongitude = 2

	timestampFieldSeconds = 1
	timestampFieldNanos   = 2
)

// Decode parses a binary telemetry payload into a Frame. A missing
// timestamp defaults to the current time. Datums that fail to parse
// are skipped; only a failure to walk the top-level record is an
// error. An empty VIN is allowed.
func Decode(b []byte) (*Frame, error) {
	frame := &Frame{}
	var createdAt *time.Time

	rest := b
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, fmt.Errorf("telemetry: malformed tag at offset %d: %w", len(b)-len(rest), protowire.ParseError(n))
		}
		rest = rest[n:]

		switch {
		case num == payloadFieldData && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("telemetry: malformed datum: %w", protowire.ParseError(n))
			}
			rest = rest[n:]
			if d, ok := decodeDatum(raw); ok {
				frame.Data = append(frame.Data, d)
			}
		case num == payloadFieldCreatedAt && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("telemetry: malformed timestamp: %w", protowire.ParseError(n))
			}
			rest = rest[n:]
			if ts, ok := decodeTimestamp(raw); ok {
				createdAt = &ts
			}
		case num == payloadFieldVIN && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("telemetry: malformed vin: %w", protowire.ParseError(n))
			}
			rest = rest[n:]
			frame.VIN = validUTF8(raw)
		case num == payloadFieldIsResend && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, fmt.Errorf("telemetry: malformed is_resend: %w", protowire.ParseError(n))
			}
			rest = rest[n:]
			frame.IsResend = v != 0
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return nil, fmt.Errorf("telemetry: malformed field %d: %w", num, protowire.ParseError(n))
			}
			rest = rest[n:]
		}
	}

	if createdAt != nil {
		frame.CreatedAt = *createdAt
	} else {
		frame.CreatedAt = time.Now().UTC()
	}

	return frame, nil
}

// decodeDatum parses one Datum sub-message. Trailing garbage inside a
// datum invalidates only that datum, never the whole frame.
func decodeDatum(b []byte) (Datum, bool) {
	var d Datum
	var haveValue bool

	rest := b
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return Datum{}, false
		}
		rest = rest[n:]

		switch {
		case num == datumFieldKey && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return Datum{}, false
			}
			rest = rest[n:]
			d.FieldID = int32(v)
		case num == datumFieldValue && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return Datum{}, false
			}
			rest = rest[n:]
			if v, ok := decodeValue(raw); ok {
				d.Value = v
				haveValue = true
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return Datum{}, false
			}
			rest = rest[n:]
		}
	}

	if !haveValue {
		return Datum{}, false
	}
	d.FieldName = FieldName(d.FieldID)
	return d, true
}

// decodeValue parses the Value oneof. Later occurrences win, matching
// proto last-one-wins semantics. Integer variants are plain unsigned
// varints, not zigzag.
func decodeValue(b []byte) (any, bool) {
	var value any

	rest := b
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, false
		}
		rest = rest[n:]

		switch {
		case num == valueFieldString && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, false
			}
			rest = rest[n:]
			value = validUTF8(raw)
		case num == valueFieldInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, false
			}
			rest = rest[n:]
			value = int64(int32(v))
		case num == valueFieldLong && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, false
			}
			rest = rest[n:]
			value = int64(v)
		case num == valueFieldFloat && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(rest)
			if n < 0 {
				return nil, false
			}
			rest = rest[n:]
			value = float64(math.Float32frombits(v))
		case num == valueFieldDouble && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(rest)
			if n < 0 {
				return nil, false
			}
			rest = rest[n:]
			value = math.Float64frombits(v)
		case num == valueFieldBool && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, false
			}
			rest = rest[n:]
			value = v != 0
		case num == valueFieldLocation && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, false
			}
			rest = rest[n:]
			if loc, ok := decodeLocation(raw); ok {
				value = loc
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return nil, false
			}
			rest = rest[n:]
		}
	}

	return value, value != nil
}

func decodeLocation(b []byte) (Location, bool) {
	var loc Location

	rest := b
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return Location{}, false
		}
		rest = rest[n:]

		switch {
		case num == locationFieldLatitude && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(rest)
			if n < 0 {
				return Location{}, false
			}
			rest = rest[n:]
			loc.Latitude = math.Float64frombits(v)
		case num == locationFieldLongitude && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(rest)
			if n < 0 {
				return Location{}, false
			}
			rest = rest[n:]
			loc.Longitude = math.Float64frombits(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return Location{}, false
			}
			rest = rest[n:]
		}
	}

	return loc, true
}

func decodeTimestamp(b []byte) (time.Time, bool) {
	var seconds int64
	var nanos int64

	rest := b
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return time.Time{}, false
		}
		rest = rest[n:]

		switch {
		case num == timestampFieldSeconds && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return time.Time{}, false
			}
			rest = rest[n:]
			seconds = int64(v)
		case num == timestampFieldNanos && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return time.Time{}, false
			}
			rest = rest[n:]
			nanos = int64(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return time.Time{}, false
			}
			rest = rest[n:]
		}
	}

	if seconds == 0 && nanos == 0 {
		return time.Time{}, false
	}
	return time.Unix(seconds, nanos).UTC(), true
}

// validUTF8 replaces invalid byte sequences instead of rejecting the
// payload; field values come from firmware we do not control.
func validUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
