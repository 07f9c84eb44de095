package cty

import (
	"math"
	"strings"
)

// Grid4 returns the 4-character Maidenhead square containing c.
// It returns false when coordinates are out of range or non-finite.
func (c Coordinate) Grid4() (string, bool) {
	lat, lon := c.Lat, c.Lon
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return "", false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", false
	}
	// Clamp the closed upper edges into the last square.
	lat = math.Min(lat, 89.999999)
	lon = math.Min(lon, 179.999999)
	adjLon, adjLat := lon+180, lat+90
	fieldLon, fieldLat := int(adjLon/20), int(adjLat/10)
	squareLon := int((adjLon - float64(fieldLon)*20) / 2)
	squareLat := int(adjLat - float64(fieldLat)*10)
	return string([]byte{
		byte('A' + fieldLon),
		byte('A' + fieldLat),
		byte('0' + squareLon),
		byte('0' + squareLat),
	}), true
}

// FromGrid returns the center of a 4- or 6-character Maidenhead locator.
func FromGrid(grid string) (Coordinate, bool) {
	g := strings.ToUpper(strings.TrimSpace(grid))
	if len(g) != 4 && len(g) != 6 {
		return Coordinate{}, false
	}
	if g[0] < 'A' || g[0] > 'R' || g[1] < 'A' || g[1] > 'R' {
		return Coordinate{}, false
	}
	if g[2] < '0' || g[2] > '9' || g[3] < '0' || g[3] > '9' {
		return Coordinate{}, false
	}
	lon := float64(g[0]-'A')*20 + float64(g[2]-'0')*2 - 180
	lat := float64(g[1]-'A')*10 + float64(g[3]-'0') - 90
	if len(g) == 4 {
		return Coordinate{Lat: lat + 0.5, Lon: lon + 1}, true
	}
	if g[4] < 'A' || g[4] > 'X' || g[5] < 'A' || g[5] > 'X' {
		return Coordinate{}, false
	}
	lon += float64(g[4]-'A')*(2.0/24) + 1.0/24
	lat += float64(g[5]-'A')*(1.0/24) + 1.0/48
	return Coordinate{Lat: lat, Lon: lon}, true
}
