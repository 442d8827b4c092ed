package grades

import (
	"math"
	"strconv"
	"strings"
)

// ParseValue normalizes the portal's grade notation into a numeric value and
// a tendency. Accepted forms are "2", "2+", "2-", "2.5", "2,5" and the
// prefixed variants "0~2", "0~2+", "0~2-"; whatever stands before the tilde
// is internal to the portal and gets discarded.
func ParseValue(raw string) (float64, Tendency, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, TendencyNone, ErrUnparsableValue
	}

	if idx := strings.Index(s, "~"); idx >= 0 {
		s = s[idx+1:]
	}

	tendency := TendencyNone
	switch {
	case strings.HasSuffix(s, "+"):
		tendency = TendencyPlus
		s = strings.TrimSuffix(s, "+")
	case strings.HasSuffix(s, "-"):
		tendency = TendencyMinus
		s = strings.TrimSuffix(s, "-")
	}

	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, TendencyNone, ErrUnparsableValue
	}
	if value < 1.0 || value > 6.0 {
		return 0, TendencyNone, ErrOutOfRange
	}

	return value, tendency, nil
}

// Round2 rounds to two decimals, the precision all averages are reported in.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
