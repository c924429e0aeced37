package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shaunagostinho/panelbridge/internal/protocol"
)

// Format turns a raw sample into what the panel displays. Change detection
// always runs on the formatted result.
type Format int

const (
	Integer Format = iota // truncate toward zero
	Round                 // nearest, ties to even
	Metric                // compact magnitude suffix for the text profile
	Tenths                // one decimal place; binary carries value*10
)

func (f Format) String() string {
	switch f {
	case Integer:
		return "integer"
	case Round:
		return "round"
	case Metric:
		return "metric"
	case Tenths:
		return "tenths"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseFormat accepts the names produced by String.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "integer", "int":
		return Integer, nil
	case "round":
		return Round, nil
	case "metric":
		return Metric, nil
	case "tenths":
		return Tenths, nil
	}
	return Integer, fmt.Errorf("telemetry: unknown format %q", s)
}

// Reading is a formatted sample in both wire representations.
type Reading struct {
	Text  string
	Value int32
}

// Apply formats v. NaN and infinities read as zero.
func (f Format) Apply(v float64) Reading {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	switch f {
	case Round:
		r := noNegZero(math.RoundToEven(v))
		return Reading{Text: strconv.FormatFloat(r, 'f', 0, 64), Value: protocol.ClampInt32(r)}
	case Metric:
		return Reading{Text: Metricify(v), Value: protocol.ClampInt32(math.Trunc(v))}
	case Tenths:
		r := noNegZero(math.RoundToEven(v * 10))
		return Reading{Text: strconv.FormatFloat(r/10, 'f', 1, 64), Value: protocol.ClampInt32(r)}
	default:
		t := noNegZero(math.Trunc(v))
		return Reading{Text: strconv.FormatFloat(t, 'f', 0, 64), Value: protocol.ClampInt32(t)}
	}
}

func noNegZero(v float64) float64 {
	if v == 0 {
		return 0
	}
	return v
}

// Metricify compacts an integer for a narrow display: 5 digits for positive
// values, 4 for negative ones (the sign takes a cell). Negative values between
// one and ten units of a suffix keep one decimal, e.g. -1.1M.
func Metricify(v float64) string {
	var n int64
	switch {
	case v >= math.MaxInt64:
		n = math.MaxInt64
	case v <= math.MinInt64:
		n = math.MinInt64 + 1
	default:
		n = int64(v)
	}

	if n >= 0 {
		switch {
		case n >= 1e13:
			return strconv.FormatInt(n/1e12, 10) + "T"
		case n >= 1e10:
			return strconv.FormatInt(n/1e9, 10) + "G"
		case n >= 1e7:
			return strconv.FormatInt(n/1e6, 10) + "M"
		case n >= 1e5:
			return strconv.FormatInt(n/1e3, 10) + "K"
		}
		return strconv.FormatInt(n, 10)
	}

	abs := -n
	switch {
	case abs >= 1e12:
		return "-" + negScaled(abs, 1e12) + "T"
	case abs >= 1e9:
		return "-" + negScaled(abs, 1e9) + "G"
	case abs >= 1e6:
		return "-" + negScaled(abs, 1e6) + "M"
	case abs >= 1e4:
		return "-" + strconv.FormatInt(abs/1e3, 10) + "K"
	}
	return "-" + strconv.FormatInt(abs, 10)
}

// negScaled keeps a tenths digit below ten units, dropping a trailing ".0".
func negScaled(abs, unit int64) string {
	if abs >= 10*unit {
		return strconv.FormatInt(abs/unit, 10)
	}
	tenths := abs / (unit / 10)
	if tenths%10 == 0 {
		return strconv.FormatInt(tenths/10, 10)
	}
	return fmt.Sprintf("%d.%d", tenths/10, tenths%10)
}

// Ratio divides, yielding 0 instead of an undefined result.
func Ratio(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) || math.IsNaN(num) {
		return 0
	}
	r := num / den
	if math.IsInf(r, 0) {
		return 0
	}
	return r
}
