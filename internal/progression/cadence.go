package progression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence is a parsed ramp schedule.
//
// Supported forms:
//   - Go duration in whole seconds: "45s", "1m30s"
//   - MM:SS: "00:45", "01:30"
//   - Cron: "@every 45s", "*/2 * * * *", "30 */1 * * * *" (optional seconds field)
//
// Prefixes "cron:" and "every:" force the form.
type Cadence struct {
	Schedule cron.Schedule
	// Every is set for fixed intervals and zero for cron expressions.
	Every  time.Duration
	Source string // "duration" | "mmss" | "cron"
}

var (
	reMMSS = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Cadence{}, fmt.Errorf("cadence required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	return parseInterval(s)
}

// String renders the cadence back in a form ParseCadence accepts.
func (c Cadence) String() string {
	if c.Every > 0 {
		return c.Every.String()
	}
	return c.Source
}

func parseCron(expr string) (Cadence, error) {
	if expr == "" {
		return Cadence{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid cron cadence %q: %w", expr, err)
	}
	c := Cadence{Schedule: sched, Source: "cron"}
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		c.Every = cd.Delay
	}
	return c, nil
}

func parseInterval(v string) (Cadence, error) {
	if v == "" {
		return Cadence{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reMMSS.FindStringSubmatch(v); m != nil {
		mm, _ := strconv.Atoi(m[1])
		ss, _ := strconv.Atoi(m[2])
		if ss > 59 {
			return Cadence{}, fmt.Errorf("invalid seconds in %q", v)
		}
		d = time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second
		src = "mmss"
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return Cadence{}, fmt.Errorf("invalid interval %q (use MM:SS like '00:45' or a duration like '45s')", v)
		}
	}
	if d < time.Second {
		return Cadence{}, fmt.Errorf("interval must be at least 1s")
	}
	if d%time.Second != 0 {
		return Cadence{}, fmt.Errorf("interval %q must be whole seconds", v)
	}
	return Cadence{Schedule: cron.Every(d), Every: d, Source: src}, nil
}
