// Package workload defines the four trainer tasks, their intensity settings
// and the per-task event parameters handed to task collaborators.
package workload

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type TaskType string

const (
	Comm       TaskType = "comm"
	Monitoring TaskType = "monitoring"
	Tracking   TaskType = "tracking"
	Resource   TaskType = "resource"
)

// Tasks returns every task in a stable order.
func Tasks() []TaskType {
	return []TaskType{Comm, Monitoring, Tracking, Resource}
}

func ParseTaskType(raw string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown task %q (want comm, monitoring, tracking or resource)", raw)
	}
	return t, nil
}

func (t TaskType) Valid() bool {
	switch t {
	case Comm, Monitoring, Tracking, Resource:
		return true
	}
	return false
}

// EPMCap is the ceiling for events per minute.
func (t TaskType) EPMCap() float64 {
	switch t {
	case Comm:
		return 10
	case Monitoring:
		return 30
	case Tracking, Resource:
		return 20
	}
	return 0
}

// Jitter is the fractional randomization applied to the base interval.
func (t TaskType) Jitter() float64 {
	switch t {
	case Monitoring, Tracking:
		return 0.30
	default:
		return 0.15
	}
}

// Interval maps a uniform sample u in [0,1) onto the jittered inter-event
// interval for epm events per minute. It returns 0 when epm <= 0.
func Interval(t TaskType, epm, u float64) time.Duration {
	if epm <= 0 {
		return 0
	}
	if u < 0 {
		u = 0
	} else if u >= 1 {
		u = 0.999999
	}
	base := 60000 / epm
	j := t.Jitter()
	return msToDuration(base * (1 - j + 2*j*u))
}

// IntervalBounds returns the inclusive range Interval can produce.
func IntervalBounds(t TaskType, epm float64) (lo, hi time.Duration) {
	if epm <= 0 {
		return 0, 0
	}
	base := 60000 / epm
	j := t.Jitter()
	return msToDuration(base * (1 - j)), msToDuration(base * (1 + j))
}

// msToDuration saturates at the largest Duration; tiny EPM values would
// otherwise overflow into a negative interval.
func msToDuration(ms float64) time.Duration {
	ns := math.Round(ms * float64(time.Millisecond))
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
