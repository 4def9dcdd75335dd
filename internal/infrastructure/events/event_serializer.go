package events

import (
	"encoding/json"
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/alert"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
)

// SchemaVersion of the alert envelope on the wire.
const SchemaVersion = "1"

// Envelope wraps an alert with wire metadata.
type Envelope struct {
	SchemaVersion string      `json:"schema_version"`
	ProducedAt    time.Time   `json:"produced_at"`
	Alert         alert.Alert `json:"alert"`
}

// Message is an encoded alert ready for a transport. Key is the alert
// subject so a broker keeps one cohort or corridor on one partition.
type Message struct {
	Kind    string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Encode serializes a into a transport message.
func Encode(a alert.Alert, producedAt time.Time) (Message, error) {
	value, err := json.Marshal(Envelope{
		SchemaVersion: SchemaVersion,
		ProducedAt:    producedAt.UTC(),
		Alert:         a,
	})
	if err != nil {
		return Message{}, errors.NewInternalError("failed to serialize alert").WithCause(err)
	}
	return Message{
		Kind:  string(a.Kind),
		Key:   []byte(a.Subject),
		Value: value,
		Headers: map[string]string{
			"alert_id":       a.ID.String(),
			"alert_kind":     string(a.Kind),
			"schema_version": SchemaVersion,
		},
	}, nil
}

// Decode reads an envelope produced by Encode. The payload comes back as
// generic JSON.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.NewValidationError("INVALID_ALERT_ENVELOPE",
			"failed to unmarshal alert envelope").WithCause(err)
	}
	if env.SchemaVersion != SchemaVersion {
		return Envelope{}, errors.NewValidationError("UNSUPPORTED_ALERT_VERSION",
			"unsupported alert schema version "+env.SchemaVersion)
	}
	return env, nil
}
