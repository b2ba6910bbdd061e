package app

import (
	"context"
	"encoding/json"
	"time"

	"matbtrainer/internal/dispatch"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/session"
	"matbtrainer/internal/storage"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

// journaledTypes are the bus events worth keeping. Scheduler state and log
// records are high volume and rebuilt from these.
var journaledTypes = []string{
	eventbus.TypeSessionStarted,
	eventbus.TypeSessionEnded,
	eventbus.TypeEventDispatched,
	eventbus.TypeEventRejected,
	eventbus.TypeEventExpired,
	eventbus.TypeSettingsApplied,
	eventbus.TypeProgressionTick,
}

// journal copies engine events from the bus into the store and keeps one
// summary row per session.
type journal struct {
	store storage.Store
	log   logx.Logger
	// current names the session for events that don't carry one.
	current func() string

	sums map[string]*storage.SessionSummary
}

func newJournal(store storage.Store, current func() string, log logx.Logger) *journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &journal{store: store, current: current, log: log, sums: map[string]*storage.SessionSummary{}}
}

// run drains events until ctx ends or the channel closes. Pending events are
// still written after cancellation so a session end is never lost.
func (j *journal) run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			j.write(e)
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return nil
					}
					j.write(e)
				default:
					return nil
				}
			}
		}
	}
}

func (j *journal) write(e eventbus.Event) {
	// not derived from the run context: the drain happens after it is done
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.record(ctx, e); err != nil {
		j.log.Warn("journal write failed", logx.String("type", e.Type), logx.Err(err))
	}
}

func (j *journal) record(ctx context.Context, e eventbus.Event) error {
	r := storage.Record{At: e.Time, Kind: e.Type, OK: true}
	if j.current != nil {
		r.SessionID = j.current()
	}

	switch v := e.Data.(type) {
	case dispatch.Outcome:
		r.Task, r.Source, r.OK, r.Reason, r.Error = string(v.Task), string(v.Source), v.OK, v.Reason, v.Error
		if v.Config != nil {
			r.DataJSON = marshal(v.Config)
		}
		if sum := j.sums[r.SessionID]; sum != nil {
			if v.OK {
				sum.Dispatched++
			} else {
				sum.Rejected++
			}
		}
	case session.Status:
		r.SessionID = v.ID
		r.Reason = v.EndReason
		if err := j.putSession(ctx, e.Type, v); err != nil {
			return err
		}
	case map[string]any:
		if t, ok := v["task"]; ok {
			r.Task = toString(t)
		}
		r.DataJSON = marshal(v)
	default:
		switch e.Type {
		case eventbus.TypeSchedulerState, eventbus.TypeLogRecord:
			return nil
		}
		if e.Data != nil {
			r.DataJSON = marshal(e.Data)
		}
	}
	return j.store.AppendEvent(ctx, r)
}

func (j *journal) putSession(ctx context.Context, typ string, st session.Status) error {
	sum := j.sums[st.ID]
	if sum == nil {
		sum = &storage.SessionSummary{ID: st.ID}
		j.sums[st.ID] = sum
	}
	sum.Mode = string(st.Mode)
	sum.StartedAt = st.StartedAt
	sum.EndedAt = st.EndedAt
	sum.EndReason = st.EndReason
	if err := j.store.PutSession(ctx, *sum); err != nil {
		return err
	}
	if typ == eventbus.TypeSessionEnded {
		delete(j.sums, st.ID)
	}
	return nil
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case workload.TaskType:
		return string(s)
	case interface{ String() string }:
		return s.String()
	}
	return marshal(v)
}
