package geo

import (
	"math"
	"time"

	"github.com/example/roadassist/internal/assist/domain"
)

// EarthRadiusKM is the mean earth radius used for great-circle distances.
const EarthRadiusKM = 6371.0

// DistanceKM returns the haversine distance between a and b in kilometres.
func DistanceKM(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	h := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKM * math.Asin(math.Sqrt(h))
}

// EstimateArrival approximates travel time over distanceKM at speedKMH.
// Advisory only; nothing in the lifecycle enforces it.
func EstimateArrival(distanceKM, speedKMH float64) time.Duration {
	if speedKMH <= 0 {
		speedKMH = DefaultSpeedKMH
	}
	hours := distanceKM / speedKMH
	return time.Duration(hours * float64(time.Hour)).Round(time.Second)
}

// DefaultSpeedKMH is the average urban travel speed used for arrival estimates.
const DefaultSpeedKMH = 30.0

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
