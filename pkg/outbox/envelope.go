package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

// EnvelopeVersion is written into every new row.
const EnvelopeVersion = 1

// ActorRef names who caused the event: a customer, admin, bot chat, webhook or the system.
type ActorRef struct {
	Actor enums.Actor `json:"actor"`
	ID    string      `json:"id,omitempty"`
}

// String renders "actor" or "actor|id".
func (a *ActorRef) String() string {
	if a == nil {
		return ""
	}
	if a.ID == "" {
		return string(a.Actor)
	}
	return string(a.Actor) + "|" + a.ID
}

// PayloadEnvelope is the JSON stored in outbox_events.payload and published as-is.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

var errEmptyData = errors.New("envelope data is empty")

// DecodeEnvelope parses a stored payload and rejects envelopes from a newer
// writer or with no data.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version > EnvelopeVersion {
		return PayloadEnvelope{}, fmt.Errorf("envelope version %d not supported", env.Version)
	}
	if trimmed := bytes.TrimSpace(env.Data); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return PayloadEnvelope{}, errEmptyData
	}
	return env, nil
}
