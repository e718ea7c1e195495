package geo

import (
	"errors"
	"math"
	"strings"
)

// Encoded polylines follow the Google polyline algorithm: each coordinate is
// multiplied by 1e5 and rounded, stored as the delta from the previous point,
// zig-zag encoded (left shift, inverted when negative), then split into 5-bit
// chunks from least significant first. Every chunk but the last carries the
// 0x20 continuation bit and 63 is added to make it printable ASCII.
const polylinePrecision = 1e5

var ErrMalformedPolyline = errors.New("malformed polyline")

// EncodePolyline encodes pts at 5-decimal precision.
func EncodePolyline(pts []Point) string {
	if len(pts) == 0 {
		return ""
	}
	var b strings.Builder
	var prevLat, prevLon int64
	for _, p := range pts {
		lat := int64(math.Round(p.Lat * polylinePrecision))
		lon := int64(math.Round(p.Lon * polylinePrecision))
		encodeSigned(&b, lat-prevLat)
		encodeSigned(&b, lon-prevLon)
		prevLat, prevLon = lat, lon
	}
	return b.String()
}

// DecodePolyline reverses EncodePolyline.
func DecodePolyline(s string) ([]Point, error) {
	var pts []Point
	var lat, lon int64
	i := 0
	for i < len(s) {
		dLat, n, err := decodeSigned(s, i)
		if err != nil {
			return nil, err
		}
		i = n
		dLon, n, err := decodeSigned(s, i)
		if err != nil {
			return nil, err
		}
		i = n
		lat += dLat
		lon += dLon
		pts = append(pts, Point{Lat: float64(lat) / polylinePrecision, Lon: float64(lon) / polylinePrecision})
	}
	return pts, nil
}

// StraightLine encodes a two-point line between a and b.
func StraightLine(a, b Point) string {
	return EncodePolyline([]Point{a, b})
}

func encodeSigned(b *strings.Builder, v int64) {
	u := uint64(v) << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte((u&0x1f)|0x20) + 63)
		u >>= 5
	}
	b.WriteByte(byte(u) + 63)
}

func decodeSigned(s string, i int) (int64, int, error) {
	var result uint64
	var shift uint
	for {
		if i >= len(s) || shift > 60 {
			return 0, i, ErrMalformedPolyline
		}
		c := int(s[i]) - 63
		i++
		if c < 0 || c > 0x3f {
			return 0, i, ErrMalformedPolyline
		}
		result |= uint64(c&0x1f) << shift
		shift += 5
		if c < 0x20 {
			break
		}
	}
	v := int64(result >> 1)
	if result&1 != 0 {
		v = ^v
	}
	return v, i, nil
}
