package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	logx "matbtrainer/pkg/logx"
)

// Store is the persistence API used by the journal writer and the CLI.
type Store interface {
	AppendEvent(ctx context.Context, r Record) error
	// ListEvents returns matching records oldest first.
	ListEvents(ctx context.Context, q Query) ([]Record, error)
	// PutSession inserts or replaces the summary with the same ID.
	PutSession(ctx context.Context, s SessionSummary) error
	// ListSessions returns summaries ordered by StartedAt.
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

// drivers is filled by each driver file; sqlite registers a stub when built
// without its tag.
var drivers = map[string]opener{}

func register(name string, open opener, aliases ...string) {
	drivers[name] = open
	for _, a := range aliases {
		drivers[a] = open
	}
}

// Drivers lists the registered driver names.
func Drivers() []string {
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open initializes the configured store. An empty or "none" driver gives
// ErrDisabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	open, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (have %s)", driver, strings.Join(Drivers(), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", driver)))
}
