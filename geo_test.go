package transitdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm(t *testing.T) {
	assert.Equal(t, 0.0, haversineKm(49.2827, -123.1207, 49.2827, -123.1207))

	// One degree of longitude at the equator is ~111.19 km.
	assert.InDelta(t, 111.19, haversineKm(0, 0, 0, 1), 0.5)

	// Downtown Vancouver to the UBC loop is roughly 9 km.
	assert.InDelta(t, 9.3, haversineKm(49.2827, -123.1207, 49.2666, -123.246), 0.5)
}

func TestBoundingBoxAround(t *testing.T) {
	box := boundingBoxAround(49.2827, -123.1207, 500)

	assert.True(t, box.contains(49.2827, -123.1207))
	// ~111 m north is well inside.
	assert.True(t, box.contains(49.2837, -123.1207))
	// ~9 km west is not.
	assert.False(t, box.contains(49.2827, -123.246))

	// The box widens in degrees of longitude away from the equator.
	equator := boundingBoxAround(0, 0, 500)
	assert.Greater(t, box.MaxLon-box.MinLon, equator.MaxLon-equator.MinLon)
}
