package workload

import (
	"math"
	"math/rand"
	"time"
)

// EventConfig is the parameter set for one event on one task.
type EventConfig interface {
	Task() TaskType
	// ActiveFor is how long the event counts as in progress.
	ActiveFor() time.Duration
}

type CallType string

const (
	CallOwn   CallType = "own"
	CallOther CallType = "other"
)

const (
	DefaultResponseWindow     = 10 * time.Second
	DefaultMonitoringCount    = 2
	DefaultMonitoringDuration = 15 * time.Second
	DefaultTrackingDuration   = 30 * time.Second
	DefaultTrackingDifficulty = 3
	DefaultPumpFailureCount   = 2
	DefaultFuelLossMultiplier = 1.5
	DefaultResourceDuration   = 45 * time.Second

	maxEventDuration = 10 * time.Minute
)

type CommConfig struct {
	CallType       CallType      `json:"call_type"`
	ResponseWindow time.Duration `json:"response_window"`
}

func (CommConfig) Task() TaskType             { return Comm }
func (c CommConfig) ActiveFor() time.Duration { return c.ResponseWindow }

func (c CommConfig) Normalize() CommConfig {
	if c.CallType != CallOther {
		c.CallType = CallOwn
	}
	c.ResponseWindow = clampDuration(c.ResponseWindow, DefaultResponseWindow)
	return c
}

type MonitoringConfig struct {
	TriggerCount int           `json:"trigger_count"`
	Duration     time.Duration `json:"duration"`
}

func (MonitoringConfig) Task() TaskType             { return Monitoring }
func (c MonitoringConfig) ActiveFor() time.Duration { return c.Duration }

func (c MonitoringConfig) Normalize() MonitoringConfig {
	if c.TriggerCount == 0 {
		c.TriggerCount = DefaultMonitoringCount
	}
	c.TriggerCount = clampInt(c.TriggerCount, 1, 6)
	c.Duration = clampDuration(c.Duration, DefaultMonitoringDuration)
	return c
}

type TrackingConfig struct {
	Duration   time.Duration `json:"duration"`
	Difficulty int           `json:"difficulty"`
	// DriftForce scales the disturbance while manual control is forced.
	// Zero leaves the collaborator's own default in place.
	DriftForce float64 `json:"drift_force,omitempty"`
}

func (TrackingConfig) Task() TaskType             { return Tracking }
func (c TrackingConfig) ActiveFor() time.Duration { return c.Duration }

func (c TrackingConfig) Normalize() TrackingConfig {
	c.Duration = clampDuration(c.Duration, DefaultTrackingDuration)
	if c.Difficulty == 0 {
		c.Difficulty = DefaultTrackingDifficulty
	}
	c.Difficulty = clampInt(c.Difficulty, MinDifficulty, MaxDifficulty)
	if c.DriftForce != 0 {
		c.DriftForce = clampFloat(c.DriftForce, 0.1, 3.0)
	}
	return c
}

type ResourceEventType string

const (
	PumpFailure    ResourceEventType = "pumpFailure"
	FuelLossChange ResourceEventType = "fuelLossChange"
)

type ResourceConfig struct {
	EventType          ResourceEventType `json:"event_type"`
	PumpFailureCount   int               `json:"pump_failure_count,omitempty"`
	FuelLossMultiplier float64           `json:"fuel_loss_multiplier,omitempty"`
	Duration           time.Duration     `json:"duration"`
}

func (ResourceConfig) Task() TaskType             { return Resource }
func (c ResourceConfig) ActiveFor() time.Duration { return c.Duration }

func (c ResourceConfig) Normalize() ResourceConfig {
	if c.EventType != FuelLossChange {
		c.EventType = PumpFailure
	}
	c.Duration = clampDuration(c.Duration, DefaultResourceDuration)
	switch c.EventType {
	case PumpFailure:
		if c.PumpFailureCount == 0 {
			c.PumpFailureCount = DefaultPumpFailureCount
		}
		c.PumpFailureCount = clampInt(c.PumpFailureCount, 1, 8)
		c.FuelLossMultiplier = 0
	case FuelLossChange:
		if c.FuelLossMultiplier == 0 {
			c.FuelLossMultiplier = DefaultFuelLossMultiplier
		}
		c.FuelLossMultiplier = clampFloat(c.FuelLossMultiplier, 0.5, 3.0)
		c.PumpFailureCount = 0
	}
	return c
}

// Normalize clamps any EventConfig. Unknown implementations pass through.
func Normalize(cfg EventConfig) EventConfig {
	switch c := cfg.(type) {
	case CommConfig:
		return c.Normalize()
	case MonitoringConfig:
		return c.Normalize()
	case TrackingConfig:
		return c.Normalize()
	case ResourceConfig:
		return c.Normalize()
	}
	return cfg
}

// Generate builds the event a scheduled fire dispatches for task t at the
// given difficulty. Harder levels mean more own-ship calls, more monitoring
// indicators with shorter windows, longer manual tracking with weaker drift,
// and longer, heavier resource faults.
func Generate(t TaskType, difficulty int, rnd *rand.Rand) EventConfig {
	d := float64(clampInt(difficulty, MinDifficulty, MaxDifficulty))
	step := (d - 1) / 9

	switch t {
	case Comm:
		call := CallOther
		if rnd.Float64() < d/10 {
			call = CallOwn
		}
		return CommConfig{CallType: call, ResponseWindow: DefaultResponseWindow}
	case Monitoring:
		return MonitoringConfig{
			TriggerCount: clampInt(int(math.Round(1+5*step)), 1, 6),
			Duration:     secondsToDuration(8 - 3*step),
		}
	case Tracking:
		return TrackingConfig{
			Duration:   secondsToDuration(6 + 6*step),
			Difficulty: int(d),
			DriftForce: 1.3 - 0.8*step,
		}
	case Resource:
		cfg := ResourceConfig{Duration: secondsToDuration(4 + 7*step)}
		if rnd.Float64() > 0.5 {
			cfg.EventType = PumpFailure
			cfg.PumpFailureCount = clampInt(int(math.Round(1+3*step)), 1, 4)
		} else {
			cfg.EventType = FuelLossChange
			cfg.FuelLossMultiplier = math.Round((595+800*step)/500*100) / 100
		}
		return cfg
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s*1000)) * time.Millisecond
}

func clampDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	if d > maxEventDuration {
		return maxEventDuration
	}
	return d
}
