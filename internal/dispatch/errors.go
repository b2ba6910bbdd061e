package dispatch

import "errors"

var (
	ErrUnavailable   = errors.New("task adapter unavailable")
	ErrPaused        = errors.New("task adapter paused")
	ErrAdapterFailed = errors.New("task adapter failed")
	ErrOverlap       = errors.New("comm event already active")
	ErrInvalidConfig = errors.New("invalid event config")
)

// Reason returns a short stable label for err, used in logs and the journal.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrOverlap):
		return "overlap"
	case errors.Is(err, ErrAdapterFailed):
		return "adapter_failed"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	}
	return "error"
}
