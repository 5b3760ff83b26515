package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var isoDurationRe = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:\.\d+)?S)?)?$`)

// ParseDuration converts an ISO 8601 duration ("PT1H2M3S"), a clock string
// ("1:02:03", "62:03") or plain seconds into whole seconds.
func ParseDuration(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if strings.HasPrefix(s, "P") {
		return parseISODuration(s)
	}
	if strings.Contains(s, ":") {
		return parseClockDuration(s)
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unrecognised duration %q", s)
	}
	return n, nil
}

func parseISODuration(s string) (int, error) {
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}
	multipliers := []int{86400, 3600, 60, 1}
	total := 0
	for i, mult := range multipliers {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", s, err)
		}
		total += n * mult
	}
	return total, nil
}

func parseClockDuration(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock duration %q", s)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid clock duration %q", s)
		}
		nums[i] = n
	}
	// leading field may exceed 59 ("125:30" on long uploads)
	for _, n := range nums[1:] {
		if n > 59 {
			return 0, fmt.Errorf("invalid clock duration %q", s)
		}
	}
	if len(nums) == 2 {
		return nums[0]*60 + nums[1], nil
	}
	return nums[0]*3600 + nums[1]*60 + nums[2], nil
}

// FormatClock renders seconds as HH:MM:SS. Unknown durations render as "未知".
func FormatClock(seconds *int) string {
	if seconds == nil {
		return "未知"
	}
	s := *seconds
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// formatOffset renders a subtitle start time as [MM:SS].
func formatOffset(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("[%02d:%02d]", total/60, total%60)
}
