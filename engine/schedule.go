package engine

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/imgdispatch"
)

// etaLayouts are accepted in order. Layouts without a zone are read in the
// configured location.
var etaLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// maxCountdown keeps countdowns within time.Duration.
const maxCountdown = 100 * 365 * 24 * time.Hour

// ParseSchedule turns the gateway's optional eta (an instant) or countdown
// (seconds from now) into an absolute UTC not-before instant. Neither set
// means immediate and returns nil. Instants without an offset are read in
// loc. Malformed input yields a *ValidationError.
func ParseSchedule(eta, countdown string, loc *time.Location, now time.Time) (*time.Time, error) {
	eta, countdown = strings.TrimSpace(eta), strings.TrimSpace(countdown)
	if loc == nil {
		loc = time.UTC
	}

	switch {
	case eta != "" && countdown != "":
		return nil, imgdispatch.Invalid("eta", "cannot be combined with countdown")

	case eta != "":
		for i, layout := range etaLayouts {
			var t time.Time
			var err error
			if i == 0 {
				t, err = time.Parse(layout, eta)
			} else {
				t, err = time.ParseInLocation(layout, eta, loc)
			}
			if err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, imgdispatch.Invalid("eta", "unrecognised time %q, want RFC 3339 or YYYY-MM-DD HH:MM:SS", eta)

	case countdown != "":
		secs, err := strconv.ParseFloat(countdown, 64)
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return nil, imgdispatch.Invalid("countdown", "must be a number of seconds, got %q", countdown)
		}
		if secs < 0 {
			return nil, imgdispatch.Invalid("countdown", "must not be negative, got %q", countdown)
		}
		if secs > maxCountdown.Seconds() {
			return nil, imgdispatch.Invalid("countdown", "too far in the future: %q", countdown)
		}
		t := now.Add(time.Duration(secs * float64(time.Second))).UTC()
		return &t, nil
	}
	return nil, nil
}
