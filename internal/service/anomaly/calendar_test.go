package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
)

var testCalendar = Calendar{
	{ID: "EVT002", Name: "Army Recruitment Rally", Location: "Patna", Date: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), FraudType: cohort.FraudRecruitment},
	{ID: "EVT001", Name: "Army Recruitment Rally", Location: "Surat", Date: time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC), FraudType: cohort.FraudRecruitment},
	{ID: "EVT003", Name: "Panchayat Elections", Location: "Uttar Pradesh", Date: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), FraudType: cohort.FraudElectionManipulate},
}

func TestCalendar_Correlate(t *testing.T) {
	tests := []struct {
		name  string
		at    time.Time
		fraud cohort.FraudType
		want  []string
	}{
		{
			name:  "both rallies within thirty days, soonest first",
			at:    time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
			fraud: cohort.FraudRecruitment,
			want:  []string{"Army Recruitment Rally - Surat - Jan 25", "Army Recruitment Rally - Patna - Feb 10"},
		},
		{
			name:  "event day itself matches",
			at:    time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
			fraud: cohort.FraudRecruitment,
			want:  []string{"Army Recruitment Rally - Patna - Feb 10"},
		},
		{
			name:  "past events are ignored",
			at:    time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC),
			fraud: cohort.FraudRecruitment,
			want:  []string{},
		},
		{
			name:  "too far ahead",
			at:    time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
			fraud: cohort.FraudRecruitment,
			want:  []string{},
		},
		{
			name:  "fraud type must match",
			at:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			fraud: cohort.FraudBenefit,
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testCalendar.Correlate(tt.at, tt.fraud))
		})
	}

	assert.Nil(t, testCalendar.Correlate(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), cohort.FraudUnknown))
}

func TestAssess_CorrelatesCalendar(t *testing.T) {
	w := cohort.Window{
		Key:          spikeKey,
		WindowStart:  time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC),
		WindowEnd:    time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		EventCount:   1450,
		MeanBaseline: 45,
		ZScore:       300,
		Status:       cohort.StatusAnomalous,
	}
	risk := Assess(w, testCalendar)
	require.NotNil(t, risk)
	assert.Equal(t, []string{
		"Army Recruitment Rally - Surat - Jan 25",
		"Army Recruitment Rally - Patna - Feb 10",
	}, risk.CorrelatedEvents)
}
