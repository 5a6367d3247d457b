// Package eta estimates pickup times from straight-line distance.
package eta

const defaultSpeedKmh = 30.0

// Minutes is distance over average speed, in minutes. It never does network
// I/O so scoring stays deterministic. A non-positive speed falls back to a
// 30 km/h city average.
func Minutes(distanceKm, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = defaultSpeedKmh
	}
	if distanceKm <= 0 {
		return 0
	}
	return distanceKm / speedKmh * 60
}
