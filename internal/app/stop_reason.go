package app

// StopReason is logged on shutdown and recorded as the session end reason.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSignal       StopReason = "signal"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopSessionEnded StopReason = "session_ended"
)
