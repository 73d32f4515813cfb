package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
)

// ParseDuration parses a wall-clock limit written as HH:MM:SS or D-HH:MM:SS.
// Hours may have any number of digits; minutes and seconds must be 00-59.
func ParseDuration(s string) (time.Duration, error) {
	raw := strings.TrimSpace(s)
	bad := func(reason string) (time.Duration, error) {
		return 0, errkind.Newf(errkind.ErrConfig, "parse duration", "%q: %s (want HH:MM:SS)", s, reason)
	}
	var days int64
	if d, rest, ok := strings.Cut(raw, "-"); ok {
		n, err := digits(d)
		if err != nil {
			return bad("bad day count")
		}
		days, raw = n, rest
	}
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return bad("expected three fields")
	}
	h, err := digits(parts[0])
	if err != nil {
		return bad("bad hours")
	}
	m, err := digits(parts[1])
	if err != nil || len(parts[1]) != 2 || m > 59 {
		return bad("minutes must be 00-59")
	}
	sec, err := digits(parts[2])
	if err != nil || len(parts[2]) != 2 || sec > 59 {
		return bad("seconds must be 00-59")
	}
	if days > maxHours/24 || h > maxHours-days*24 {
		return bad("too large")
	}
	total := time.Duration(days*24+h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
	if total <= 0 {
		return bad("must be positive")
	}
	return total, nil
}

// maxHours keeps the hour total representable as a time.Duration once
// minutes and seconds are added.
const maxHours = (math.MaxInt64 - int64(time.Hour)) / int64(time.Hour)

func digits(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a number")
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

// FormatDuration renders d as HH:MM:SS, rounding down to whole seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
