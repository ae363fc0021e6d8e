package services

import (
	"regexp"
	"strconv"
	"strings"
)

var scheduleShiftPattern = regexp.MustCompile(`^([+-]?\d+)\s*(day|hour|minute)s?$`)

// ParseScheduleShift parses a free-text schedule delta such as "+3 days" or
// "-2 hours" into its magnitude in minutes. The unit set is day, hour, and
// minute. An empty delta is a valid zero shift. Malformed text reports
// ok=false so threshold gates fail closed rather than treating garbage as a
// zero-minute shift.
func ParseScheduleShift(s string) (minutes int, ok bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, true
	}
	match := scheduleShiftPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	if value < 0 {
		value = -value
	}
	switch match[2] {
	case "day":
		return value * 24 * 60, true
	case "hour":
		return value * 60, true
	default:
		return value, true
	}
}
