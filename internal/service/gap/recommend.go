package gap

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/gap"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

const (
	// DefaultMaxVans caps a deployment plan when the caller gives no limit.
	DefaultMaxVans = 10

	criticalPincodes  = 5
	plannedPincodes   = 3
	minDeploymentDays = 3
	// childrenPerDay is how many enrolments one van clears in a day.
	childrenPerDay = 500
)

var vanEquipment = []string{"biometric_kit", "printer", "generator"}

// topPincodes returns up to n pincodes by gap count desc, then pincode asc.
func topPincodes(gaps map[string]int, n int) []string {
	codes := make([]string, 0, len(gaps))
	for code, count := range gaps {
		if count > 0 {
			codes = append(codes, code)
		}
	}
	slices.SortFunc(codes, func(a, b string) int {
		if c := cmp.Compare(gaps[b], gaps[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if len(codes) > n {
		codes = codes[:n]
	}
	return codes
}

func recommendOutreach(row domain.DistrictGap) string {
	switch row.RiskLevel {
	case values.RiskCritical:
		return fmt.Sprintf("URGENT: deploy 3+ mobile Aadhaar vans to %s. Estimated %d children at risk of permanent exclusion.",
			row.District, row.GapCount)
	case values.RiskHigh:
		focus := row.CriticalPincodes
		if len(focus) > plannedPincodes {
			focus = focus[:plannedPincodes]
		}
		return fmt.Sprintf("Priority: schedule a mobile van deployment to %s within 7 days. Focus on pincodes: %s.",
			row.District, strings.Join(focus, ", "))
	case values.RiskMedium:
		return fmt.Sprintf("Action required: include %s in the next monthly outreach programme. Partner with local Anganwadi centres.",
			row.District)
	}
	return fmt.Sprintf("Monitor: %s is within acceptable thresholds. Continue standard enrolment drives.", row.District)
}

// plan turns ranked rows into van deployments, one per HIGH or CRITICAL
// district in ranking order.
func plan(rows []domain.DistrictGap, maxVans int) []domain.VanDeployment {
	out := []domain.VanDeployment{}
	for _, row := range rows {
		if len(out) == maxVans {
			break
		}
		if row.RiskLevel != values.RiskHigh && row.RiskLevel != values.RiskCritical {
			continue
		}
		pincodes := row.CriticalPincodes
		if len(pincodes) > plannedPincodes {
			pincodes = pincodes[:plannedPincodes]
		}
		out = append(out, domain.VanDeployment{
			Priority:          len(out) + 1,
			State:             row.State,
			District:          row.District,
			Pincodes:          slices.Clone(pincodes),
			EstimatedChildren: row.GapCount,
			RecommendedDays:   max(minDeploymentDays, row.GapCount/childrenPerDay),
			Equipment:         slices.Clone(vanEquipment),
		})
	}
	return out
}
