package transitdb

import "math"

const earthRadiusKm = 6371

// haversineKm returns the great-circle distance between two points in
// kilometers, adequate at city scale.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// boundingBox is an axis-aligned latitude/longitude rectangle used as an
// approximate proximity filter. It over-selects relative to a true circle;
// callers that need an exact radius re-filter with haversineKm.
type boundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func boundingBoxAround(lat, lon, radiusMeters float64) boundingBox {
	// One degree of latitude is ~111.32 km everywhere; a degree of
	// longitude shrinks with cos(lat).
	dLat := radiusMeters / 111320
	cosLat := math.Cos(radians(lat))
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := radiusMeters / (111320 * cosLat)

	return boundingBox{
		MinLat: lat - dLat,
		MaxLat: lat + dLat,
		MinLon: lon - dLon,
		MaxLon: lon + dLon,
	}
}

func (b boundingBox) contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}
