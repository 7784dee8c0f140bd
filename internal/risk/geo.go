package risk

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Distance returns the great-circle distance between a and b in kilometres.
func Distance(a, b GeoLocation) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLng := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Speed returns the implied travel speed in km/h. A non-positive interval
// yields +Inf for any real displacement and 0 when the points coincide.
func Speed(from GeoLocation, fromAt time.Time, to GeoLocation, toAt time.Time) float64 {
	d := Distance(from, to)
	hours := toAt.Sub(fromAt).Hours()
	if hours <= 0 {
		if d > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return d / hours
}
