package corridor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

func TestParseRegion(t *testing.T) {
	r, err := ParseRegion(" Bihar / Sitamarhi ")
	require.NoError(t, err)
	assert.Equal(t, Region{State: "Bihar", District: "Sitamarhi"}, r)
	assert.Equal(t, "Bihar/Sitamarhi", r.String())

	for _, bad := range []string{"", "Bihar", "/Sitamarhi", "Bihar/"} {
		_, err := ParseRegion(bad)
		assert.Error(t, err, bad)
	}
}

func TestRegionOf(t *testing.T) {
	r := RegionOf(event.Location{State: "Gujarat", District: "Surat"})
	assert.Equal(t, "Gujarat/Surat", r.String())
	assert.False(t, r.IsZero())
	assert.True(t, Region{}.IsZero())

	p := Pair{Source: Region{"Bihar", "Sitamarhi"}, Destination: r}
	assert.Equal(t, "Bihar/Sitamarhi->Gujarat/Surat", p.String())
}
