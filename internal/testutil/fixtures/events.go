package fixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

var subjectCounter atomic.Int64

// NextSubjectID returns a process-unique opaque subject id.
func NextSubjectID() string {
	return fmt.Sprintf("subj-%06d", subjectCounter.Add(1))
}

// EventBuilder builds test events with sensible defaults: a DOB update by
// a 19 year old man in Surat.
type EventBuilder struct {
	e event.Event
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{e: event.Event{
		SubjectID:    NextSubjectID(),
		Type:         event.TypeDemographicUpdate,
		FieldChanged: event.FieldDOB,
		OldValue:     "2006-01-01",
		NewValue:     "2004-01-01",
		Location: event.Location{
			Pincode:  values.MustNewPincode("395001"),
			District: "Surat",
			State:    "Gujarat",
		},
		Gender:    event.GenderMale,
		Age:       19,
		Timestamp: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
	}}
}

func (b *EventBuilder) WithSubject(id string) *EventBuilder {
	b.e.SubjectID = id
	return b
}

func (b *EventBuilder) WithType(t event.Type) *EventBuilder {
	b.e.Type = t
	if t != event.TypeDemographicUpdate {
		b.e.FieldChanged = ""
		b.e.OldValue = ""
		b.e.NewValue = ""
	}
	return b
}

func (b *EventBuilder) WithField(f event.Field) *EventBuilder {
	b.e.Type = event.TypeDemographicUpdate
	b.e.FieldChanged = f
	return b
}

func (b *EventBuilder) WithTimestamp(ts time.Time) *EventBuilder {
	b.e.Timestamp = ts
	return b
}

func (b *EventBuilder) WithRegion(state, district string) *EventBuilder {
	b.e.Location.State = state
	b.e.Location.District = district
	return b
}

func (b *EventBuilder) WithPincode(code string) *EventBuilder {
	b.e.Location.Pincode = values.MustNewPincode(code)
	return b
}

func (b *EventBuilder) WithGender(g event.Gender) *EventBuilder {
	b.e.Gender = g
	return b
}

func (b *EventBuilder) WithAge(age int) *EventBuilder {
	b.e.Age = age
	return b
}

func (b *EventBuilder) Build() event.Event {
	return b.e
}

// Enrolment is a ready-made ENROLMENT event for subject at ts.
func Enrolment(subject, state, district string, ts time.Time) event.Event {
	return NewEventBuilder().
		WithSubject(subject).
		WithType(event.TypeEnrolment).
		WithRegion(state, district).
		WithAge(0).
		WithTimestamp(ts).
		Build()
}

// AddressChange is a ready-made ADDRESS update moving subject to state/district.
func AddressChange(subject, state, district string, ts time.Time) event.Event {
	return NewEventBuilder().
		WithSubject(subject).
		WithField(event.FieldAddress).
		WithRegion(state, district).
		WithAge(30).
		WithTimestamp(ts).
		Build()
}

// BiometricUpdate is a ready-made BIOMETRIC_UPDATE for subject at ts.
func BiometricUpdate(subject, state, district string, ts time.Time) event.Event {
	return NewEventBuilder().
		WithSubject(subject).
		WithType(event.TypeBiometricUpdate).
		WithRegion(state, district).
		WithAge(5).
		WithTimestamp(ts).
		Build()
}
