package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

// Type is the kind of identity-update event.
type Type string

const (
	TypeEnrolment         Type = "ENROLMENT"
	TypeDemographicUpdate Type = "DEMOGRAPHIC_UPDATE"
	TypeBiometricUpdate   Type = "BIOMETRIC_UPDATE"
)

// Field names the demographic attribute a DEMOGRAPHIC_UPDATE changed.
type Field string

const (
	FieldDOB     Field = "DOB"
	FieldAddress Field = "ADDRESS"
	FieldName    Field = "NAME"
	FieldGender  Field = "GENDER"
	FieldMobile  Field = "MOBILE"
	FieldAge     Field = "AGE"
)

// Gender as captured at the update counter.
type Gender string

const (
	GenderMale        Gender = "M"
	GenderFemale      Gender = "F"
	GenderTransgender Gender = "T"
)

var validTypes = map[Type]bool{
	TypeEnrolment:         true,
	TypeDemographicUpdate: true,
	TypeBiometricUpdate:   true,
}

var validFields = map[Field]bool{
	FieldDOB:     true,
	FieldAddress: true,
	FieldName:    true,
	FieldGender:  true,
	FieldMobile:  true,
	FieldAge:     true,
}

// MaxAge bounds the age column. Anything above is a data-entry error.
const MaxAge = 150

// Location is where the update was captured.
type Location struct {
	Pincode  values.Pincode `json:"pincode"`
	District string         `json:"district"`
	State    string         `json:"state"`
}

// Event is one immutable entry of the identity-update log. ID, Sequence,
// IngestedAt and Held are assigned by the store on append.
type Event struct {
	ID           uuid.UUID `json:"id"`
	Sequence     uint64    `json:"sequence"`
	SubjectID    string    `json:"subject_id"`
	Type         Type      `json:"event_type"`
	FieldChanged Field     `json:"field_changed,omitempty"`
	OldValue     string    `json:"old_value,omitempty"`
	NewValue     string    `json:"new_value,omitempty"`
	Location     Location  `json:"location"`
	Gender       Gender    `json:"gender,omitempty"`
	Age          int       `json:"age"`
	Timestamp    time.Time `json:"timestamp"`
	IngestedAt   time.Time `json:"ingested_at"`
	Held         bool      `json:"held"`
}

// ParseType normalizes s ("enrolment", " Biometric_Update ") into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !validTypes[t] {
		return "", errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unrecognized event type: %q", s))
	}
	return t, nil
}

// ParseField normalizes s into a Field. The empty string is allowed.
func ParseField(s string) (Field, error) {
	f := Field(strings.ToUpper(strings.TrimSpace(s)))
	if f == "" {
		return "", nil
	}
	if !validFields[f] {
		return "", errors.NewValidationError("INVALID_FIELD",
			fmt.Sprintf("unrecognized field: %q", s))
	}
	return f, nil
}

// ParseGender accepts single letters or the long form.
func ParseGender(s string) (Gender, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "M", "MALE":
		return GenderMale, nil
	case "F", "FEMALE":
		return GenderFemale, nil
	case "T", "TRANSGENDER", "OTHER":
		return GenderTransgender, nil
	}
	return "", errors.NewValidationError("INVALID_GENDER",
		fmt.Sprintf("unrecognized gender: %q", s))
}

// Validate checks the caller-supplied fields. now and skew bound how far
// in the future a timestamp may lie.
func (e *Event) Validate(now time.Time, skew time.Duration) error {
	if strings.TrimSpace(e.SubjectID) == "" {
		return errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}
	if !validTypes[e.Type] {
		return errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unrecognized event type: %q", e.Type))
	}
	if e.FieldChanged != "" && !validFields[e.FieldChanged] {
		return errors.NewValidationError("INVALID_FIELD",
			fmt.Sprintf("unrecognized field: %q", e.FieldChanged))
	}
	if e.Type == TypeDemographicUpdate && e.FieldChanged == "" {
		return errors.NewValidationError("MISSING_FIELD",
			"field_changed is required for demographic updates")
	}
	switch e.Gender {
	case "", GenderMale, GenderFemale, GenderTransgender:
	default:
		return errors.NewValidationError("INVALID_GENDER",
			fmt.Sprintf("unrecognized gender: %q", e.Gender))
	}
	if e.Age < 0 || e.Age > MaxAge {
		return errors.NewValidationError("INVALID_AGE",
			fmt.Sprintf("age %d out of range", e.Age))
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("MISSING_TIMESTAMP", "timestamp is required")
	}
	if e.Timestamp.After(now.Add(skew)) {
		return errors.NewValidationError("FUTURE_TIMESTAMP",
			fmt.Sprintf("timestamp %s is beyond the clock-skew tolerance", e.Timestamp.Format(time.RFC3339))).
			WithDetails(map[string]interface{}{
				"timestamp": e.Timestamp,
				"now":       now,
				"skew":      skew.String(),
			})
	}
	return nil
}

// IsAddressChange reports whether the event moves the subject between regions.
func (e *Event) IsAddressChange() bool {
	return e.Type == TypeDemographicUpdate && e.FieldChanged == FieldAddress
}

// Less orders events by (Timestamp, Sequence).
func Less(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Sequence < b.Sequence
}
