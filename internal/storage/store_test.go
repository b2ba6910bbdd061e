package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "matbtrainer/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || !errors.Is(err, ErrDisabled) {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil || !strings.Contains(err.Error(), "file") {
		t.Fatalf("unknown driver: %v", err)
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal", "trainer.db")
	exerciseStore(t, func() Store {
		st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return st
	})
}

// exerciseStore runs the shared driver contract. open must return a store
// over the same backing path on every call.
func exerciseStore(t *testing.T, open func() Store) {
	t.Helper()
	ctx := context.Background()
	st := open()

	for i, sid := range []string{"a", "b", "a", "a"} {
		r := Record{
			At:        t0.Add(time.Duration(i) * time.Second),
			SessionID: sid,
			Kind:      "event.dispatched",
			Task:      "comm",
			Source:    "scheduler",
			OK:        i%2 == 0,
			Reason:    "",
			DataJSON:  `{"i":` + string(rune('0'+i)) + `}`,
		}
		if err := st.AppendEvent(ctx, r); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	all, err := st.ListEvents(ctx, Query{})
	if err != nil || len(all) != 4 {
		t.Fatalf("ListEvents all: n=%d err=%v", len(all), err)
	}
	if !all[0].At.Equal(t0) || all[3].DataJSON != `{"i":3}` {
		t.Fatalf("order or payload wrong: %+v", all)
	}

	onlyA, _ := st.ListEvents(ctx, Query{SessionID: "a"})
	if len(onlyA) != 3 {
		t.Fatalf("session filter: %d", len(onlyA))
	}
	newest, _ := st.ListEvents(ctx, Query{SessionID: "a", Limit: 2})
	if len(newest) != 2 || !newest[0].At.Equal(t0.Add(2*time.Second)) || !newest[1].At.Equal(t0.Add(3*time.Second)) {
		t.Fatalf("limit keeps newest in order: %+v", newest)
	}
	since, _ := st.ListEvents(ctx, Query{Since: t0.Add(2 * time.Second)})
	if len(since) != 2 {
		t.Fatalf("since filter: %d", len(since))
	}

	if err := st.PutSession(ctx, SessionSummary{ID: "b", Mode: "custom", StartedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("PutSession b: %v", err)
	}
	if err := st.PutSession(ctx, SessionSummary{ID: "a", Mode: "normal", StartedAt: t0}); err != nil {
		t.Fatalf("PutSession a: %v", err)
	}
	if err := st.PutSession(ctx, SessionSummary{ID: "a", Mode: "normal", StartedAt: t0, EndedAt: t0.Add(5 * time.Minute), EndReason: "timeout", Dispatched: 3}); err != nil {
		t.Fatalf("PutSession a update: %v", err)
	}
	if err := st.PutSession(ctx, SessionSummary{}); err == nil {
		t.Fatal("empty session id accepted")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendEvent(ctx, Record{}); err == nil {
		t.Fatalf("append after close: %v", err)
	}

	st = open()
	defer st.Close()
	sessions, err := st.ListSessions(ctx)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("ListSessions after reopen: %+v err=%v", sessions, err)
	}
	if sessions[0].ID != "a" || sessions[0].EndReason != "timeout" || sessions[0].Dispatched != 3 || sessions[1].ID != "b" {
		t.Fatalf("sessions = %+v", sessions)
	}
	all, _ = st.ListEvents(ctx, Query{})
	if len(all) != 4 {
		t.Fatalf("journal lost after reopen: %d", len(all))
	}
}
