package rest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

const (
	defaultTopCorridors = 10
	defaultGapDistricts = 50
	defaultMaxVans      = 10
)

// AppendEventRequest is the body of POST /api/v1/events. Enumerated fields
// accept any casing.
type AppendEventRequest struct {
	SubjectID    string    `json:"subject_id" validate:"required,max=128"`
	EventType    string    `json:"event_type" validate:"required"`
	FieldChanged string    `json:"field_changed,omitempty" validate:"omitempty,max=32"`
	OldValue     string    `json:"old_value,omitempty" validate:"max=512"`
	NewValue     string    `json:"new_value,omitempty" validate:"max=512"`
	Pincode      string    `json:"pincode,omitempty" validate:"omitempty,max=7"`
	District     string    `json:"district,omitempty" validate:"max=100"`
	State        string    `json:"state,omitempty" validate:"max=100"`
	Gender       string    `json:"gender,omitempty" validate:"omitempty,max=16"`
	Age          *int      `json:"age" validate:"required,min=0,max=150"`
	Timestamp    time.Time `json:"timestamp"`
}

// ToEvent converts the request into a domain event. The store validates the
// rest.
func (r AppendEventRequest) ToEvent() (event.Event, error) {
	typ, err := event.ParseType(r.EventType)
	if err != nil {
		return event.Event{}, err
	}
	field, err := event.ParseField(r.FieldChanged)
	if err != nil {
		return event.Event{}, err
	}
	gender, err := event.ParseGender(r.Gender)
	if err != nil {
		return event.Event{}, err
	}
	var pincode values.Pincode
	if strings.TrimSpace(r.Pincode) != "" {
		if pincode, err = values.NewPincode(r.Pincode); err != nil {
			return event.Event{}, err
		}
	}
	return event.Event{
		SubjectID:    strings.TrimSpace(r.SubjectID),
		Type:         typ,
		FieldChanged: field,
		OldValue:     r.OldValue,
		NewValue:     r.NewValue,
		Location: event.Location{
			Pincode:  pincode,
			District: strings.TrimSpace(r.District),
			State:    strings.TrimSpace(r.State),
		},
		Gender:    gender,
		Age:       *r.Age,
		Timestamp: r.Timestamp,
	}, nil
}

type AppendEventResponse struct {
	ID uuid.UUID `json:"id"`
}

// FreezeRequest is the body of POST /api/v1/cohorts/freeze. Call normalize
// before validating.
type FreezeRequest struct {
	Gender       string `json:"gender" validate:"omitempty,oneof=M F T"`
	AgeBand      string `json:"age_band" validate:"required"`
	Pincode      string `json:"pincode" validate:"omitempty,len=6,numeric"`
	UpdateType   string `json:"update_type" validate:"required,max=32"`
	AuthorizedBy string `json:"authorized_by" validate:"required,max=128"`
	Reason       string `json:"reason" validate:"required,max=1000"`
}

func (r *FreezeRequest) normalize() {
	r.Gender = strings.ToUpper(strings.TrimSpace(r.Gender))
	r.AgeBand = strings.TrimSpace(r.AgeBand)
	r.Pincode = strings.ReplaceAll(strings.TrimSpace(r.Pincode), " ", "")
	r.UpdateType = strings.ToUpper(strings.TrimSpace(r.UpdateType))
}

func (r FreezeRequest) Key() (cohort.Key, error) {
	band, err := cohort.ParseAgeBand(r.AgeBand)
	if err != nil {
		return cohort.Key{}, err
	}
	return cohort.Key{
		Gender:     event.Gender(r.Gender),
		AgeBand:    band,
		Pincode:    r.Pincode,
		UpdateType: r.UpdateType,
	}, nil
}

// CohortWindowQuery is GET /api/v1/cohort-windows.
type CohortWindowQuery struct {
	Gender      string    `json:"gender" validate:"omitempty,oneof=M F T"`
	AgeBand     string    `json:"age_band" validate:"required"`
	Pincode     string    `json:"pincode" validate:"omitempty,len=6,numeric"`
	UpdateType  string    `json:"update_type" validate:"required,max=32"`
	WindowStart time.Time `json:"window_start"`
}

func parseCohortWindowQuery(q url.Values) (CohortWindowQuery, error) {
	ws, err := queryTime(q, "window_start", true)
	if err != nil {
		return CohortWindowQuery{}, err
	}
	return CohortWindowQuery{
		Gender:      strings.ToUpper(q.Get("gender")),
		AgeBand:     ageBandParam(q.Get("age_band")),
		Pincode:     q.Get("pincode"),
		UpdateType:  strings.ToUpper(q.Get("update_type")),
		WindowStart: ws,
	}, nil
}

func (c CohortWindowQuery) Key() (cohort.Key, error) {
	r := FreezeRequest{Gender: c.Gender, AgeBand: c.AgeBand, Pincode: c.Pincode, UpdateType: c.UpdateType}
	r.normalize()
	return r.Key()
}

// RangeQuery carries the from/to bounds shared by the list endpoints.
type RangeQuery struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	MinZ  float64   `json:"min_z" validate:"min=0"`
	Limit int       `json:"limit" validate:"min=0,max=1000"`
}

func (r RangeQuery) TimeRange() event.TimeRange {
	return event.TimeRange{From: r.From, To: r.To}
}

func parseRangeQuery(q url.Values, defaultLimit int) (RangeQuery, error) {
	from, err := queryTime(q, "from", false)
	if err != nil {
		return RangeQuery{}, err
	}
	to, err := queryTime(q, "to", false)
	if err != nil {
		return RangeQuery{}, err
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return RangeQuery{}, errors.NewValidationError("INVALID_RANGE", "to must be after from")
	}
	minZ, err := queryFloat(q, "min_z")
	if err != nil {
		return RangeQuery{}, err
	}
	limit, err := queryInt(q, "limit", defaultLimit)
	if err != nil {
		return RangeQuery{}, err
	}
	return RangeQuery{From: from, To: to, MinZ: minZ, Limit: limit}, nil
}

// CorridorFlowQuery is GET /api/v1/corridors/flow.
type CorridorFlowQuery struct {
	Source      string    `json:"source" validate:"required"`
	Destination string    `json:"destination" validate:"required"`
	WindowStart time.Time `json:"window_start"`
}

// GapQuery is GET /api/v1/gaps/districts and /api/v1/gaps/records.
type GapQuery struct {
	State    string `json:"state" validate:"max=100"`
	District string `json:"district" validate:"max=100"`
	Limit    int    `json:"limit" validate:"min=0,max=1000"`
}

// DeploymentPlanQuery is GET /api/v1/gaps/deployment-plan.
type DeploymentPlanQuery struct {
	State   string `json:"state" validate:"required,max=100"`
	MaxVans int    `json:"max_vans" validate:"min=1,max=100"`
}

// ageBandParam undoes form decoding of "60+" into "60 ".
func ageBandParam(s string) string {
	if strings.HasSuffix(s, " ") {
		return strings.TrimRight(s, " ") + "+"
	}
	return s
}

var timeLayouts = []string{time.RFC3339Nano, time.DateOnly}

func queryTime(q url.Values, name string, required bool) (time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		if required {
			return time.Time{}, errors.NewValidationError("MISSING_PARAMETER", name+" is required")
		}
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.NewValidationError("INVALID_TIME",
		fmt.Sprintf("%s must be RFC 3339 or YYYY-MM-DD, got %q", name, raw))
}

func queryInt(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewValidationError("INVALID_PARAMETER", fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}

func queryFloat(q url.Values, name string) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.NewValidationError("INVALID_PARAMETER", fmt.Sprintf("%s must be a number", name))
	}
	return f, nil
}
