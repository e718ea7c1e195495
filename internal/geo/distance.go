package geo

import "math"

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// HaversineKm returns the great-circle distance in kilometres between two lat/lon points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Distance is HaversineKm for two points.
func Distance(a, b Point) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// BoundingBox returns the degree offsets (latDeg, lonDeg) covering radiusKm around lat.
// Used to prefilter proximity queries before the exact haversine check.
func BoundingBox(lat, radiusKm float64) (latDeg, lonDeg float64) {
	latDeg = radiusKm / earthRadiusKm * (180 / math.Pi)
	cos := math.Cos(toRad(lat))
	if cos < 1e-6 {
		return latDeg, 180
	}
	lonDeg = latDeg / cos
	if lonDeg > 180 {
		lonDeg = 180
	}
	return latDeg, lonDeg
}

// ValidLatLon reports whether lat/lon are finite and inside WGS84 bounds.
func ValidLatLon(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// CumulativeKm returns running great-circle distances along pts, starting at 0.
func CumulativeKm(pts []Point) []float64 {
	if len(pts) == 0 {
		return nil
	}
	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + Distance(pts[i-1], pts[i])
	}
	return cum
}

// PathKm is the total length of pts in kilometres.
func PathKm(pts []Point) float64 {
	cum := CumulativeKm(pts)
	if len(cum) == 0 {
		return 0
	}
	return cum[len(cum)-1]
}

// NearestIndex returns the index in pts, at or after from, closest to p.
// It returns -1 when from is out of range.
func NearestIndex(pts []Point, p Point, from int) int {
	if from < 0 || from >= len(pts) {
		return -1
	}
	best := from
	bestDist := math.MaxFloat64
	for i := from; i < len(pts); i++ {
		d := Distance(pts[i], p)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
