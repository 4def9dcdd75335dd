package cohort

import (
	"fmt"
	"strings"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

// AgeBand groups subjects by the age brackets that matter for identity
// policy (child biometric capture, recruitment age, voting age).
type AgeBand string

const (
	AgeBand0to4   AgeBand = "0-4"
	AgeBand5to17  AgeBand = "5-17"
	AgeBand18to21 AgeBand = "18-21"
	AgeBand22to35 AgeBand = "22-35"
	AgeBand36to59 AgeBand = "36-59"
	AgeBand60Plus AgeBand = "60+"
)

var ageBands = []struct {
	band  AgeBand
	upper int
}{
	{AgeBand0to4, 4},
	{AgeBand5to17, 17},
	{AgeBand18to21, 21},
	{AgeBand22to35, 35},
	{AgeBand36to59, 59},
	{AgeBand60Plus, event.MaxAge},
}

// BandFor maps an age in years to its band.
func BandFor(age int) AgeBand {
	for _, b := range ageBands {
		if age <= b.upper {
			return b.band
		}
	}
	return AgeBand60Plus
}

// ParseAgeBand validates s against the known bands.
func ParseAgeBand(s string) (AgeBand, error) {
	s = strings.TrimSpace(s)
	for _, b := range ageBands {
		if string(b.band) == s {
			return b.band, nil
		}
	}
	return "", errors.NewValidationError("INVALID_AGE_BAND", fmt.Sprintf("unknown age band: %q", s))
}

// Adult reports whether every age in the band is 18 or over.
func (b AgeBand) Adult() bool {
	switch b {
	case AgeBand0to4, AgeBand5to17:
		return false
	}
	return true
}

// Key identifies a cohort: events in the same key are compared against
// each other's history.
type Key struct {
	Gender     event.Gender `json:"gender"`
	AgeBand    AgeBand      `json:"age_band"`
	Pincode    string       `json:"pincode"`
	UpdateType string       `json:"update_type"`
}

// KeyFor derives the cohort key of e. Demographic updates are keyed by the
// changed field, the other event types by the type itself.
func KeyFor(e event.Event) Key {
	updateType := string(e.Type)
	if e.Type == event.TypeDemographicUpdate && e.FieldChanged != "" {
		updateType = string(e.FieldChanged)
	}
	return Key{
		Gender:     e.Gender,
		AgeBand:    BandFor(e.Age),
		Pincode:    e.Location.Pincode.String(),
		UpdateType: updateType,
	}
}

// String renders the key as "M|18-21|395001|DOB". It is also the
// storage and cache encoding.
func (k Key) String() string {
	return strings.Join([]string{string(k.Gender), string(k.AgeBand), k.Pincode, k.UpdateType}, "|")
}

// ParseKey reverses String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return Key{}, errors.NewValidationError("INVALID_COHORT_KEY", fmt.Sprintf("malformed cohort key: %q", s))
	}
	return Key{
		Gender:     event.Gender(parts[0]),
		AgeBand:    AgeBand(parts[1]),
		Pincode:    parts[2],
		UpdateType: parts[3],
	}, nil
}

// Validate checks a caller-built key, as used by queries and freezes.
func (k Key) Validate() error {
	switch k.Gender {
	case "", event.GenderMale, event.GenderFemale, event.GenderTransgender:
	default:
		return errors.NewValidationError("INVALID_GENDER", fmt.Sprintf("unrecognized gender: %q", k.Gender))
	}
	if _, err := ParseAgeBand(string(k.AgeBand)); err != nil {
		return err
	}
	if k.UpdateType == "" {
		return errors.NewValidationError("MISSING_UPDATE_TYPE", "update_type is required")
	}
	return nil
}
