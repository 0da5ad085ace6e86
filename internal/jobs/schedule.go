package jobs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule normalizes a schedule string to a cron spec.
//
// Accepted forms:
//   - "" or "off": disabled (returns "")
//   - cron: "*/5 * * * *", "@hourly", "@every 1m"
//   - Go duration: "90s", "2h30m"
//   - HH:MM interval: "00:15" (every 15 minutes)
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "off") {
		return "", nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid minutes in %q", raw)
		}
		s = (time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute).String()
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		s = "@every " + d.String()
	}
	if _, err := parser.Parse(s); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return s, nil
}
