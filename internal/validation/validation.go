package validation

import (
	"errors"
	"math"
	"strings"
)

// MaxRouteCodeLen bounds route codes accepted from clients. OASA codes are short numerics.
const MaxRouteCodeLen = 16

// ErrRouteCodeEmpty is returned when the route code is empty or whitespace-only after trim.
var ErrRouteCodeEmpty = errors.New("route code is required")

// ErrRouteCodeTooLong is returned when the route code exceeds MaxRouteCodeLen.
var ErrRouteCodeTooLong = errors.New("route code too long")

// ErrRouteCodeInvalidChars is returned when the route code contains anything but ASCII letters and digits.
var ErrRouteCodeInvalidChars = errors.New("route code contains invalid characters")

// ErrCoordinatesOutOfRange is returned for latitudes outside [-90, 90] or longitudes outside [-180, 180].
var ErrCoordinatesOutOfRange = errors.New("coordinates out of range")

// ValidateRouteCode trims the input and restricts it to ASCII letters and digits.
// Returns the trimmed code or an error suitable for 400 INVALID_ROUTE_CODE responses.
// The code is forwarded verbatim as a provider query parameter, so nothing else is allowed.
func ValidateRouteCode(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrRouteCodeEmpty
	}
	if len(s) > MaxRouteCodeLen {
		return "", ErrRouteCodeTooLong
	}
	for i := 0; i < len(s); i++ {
		if !isRouteCodeByte(s[i]) {
			return "", ErrRouteCodeInvalidChars
		}
	}
	return s, nil
}

func isRouteCodeByte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// ValidateCoordinates rejects NaN, infinities and out-of-range values.
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return ErrCoordinatesOutOfRange
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ErrCoordinatesOutOfRange
	}
	return nil
}
