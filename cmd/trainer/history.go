package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"matbtrainer/internal/app"
	"matbtrainer/internal/config"
	"matbtrainer/internal/storage"
	logx "matbtrainer/pkg/logx"
)

var (
	historySession  string
	historyLimit    int
	historySince    string
	historySessions bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Dump the session journal as CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		q := storage.Query{SessionID: historySession, Limit: historyLimit}
		if historySince != "" {
			t, err := time.Parse(time.RFC3339, historySince)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			q.Since = t
		}

		store, err := app.OpenStore(cfg, logx.Nop())
		if errors.Is(err, storage.ErrDisabled) {
			return fmt.Errorf("%s: no journal configured (storage.driver)", cfgPath)
		}
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		w := csv.NewWriter(cmd.OutOrStdout())
		if historySessions {
			sums, err := store.ListSessions(ctx)
			if err != nil {
				return err
			}
			_ = w.Write([]string{"id", "mode", "started_at", "ended_at", "end_reason", "dispatched", "rejected"})
			for _, s := range sums {
				_ = w.Write([]string{
					s.ID, s.Mode, stamp(s.StartedAt), stamp(s.EndedAt), s.EndReason,
					strconv.Itoa(s.Dispatched), strconv.Itoa(s.Rejected),
				})
			}
		} else {
			recs, err := store.ListEvents(ctx, q)
			if err != nil {
				return err
			}
			_ = w.Write([]string{"at", "session_id", "kind", "task", "source", "ok", "reason", "error", "data"})
			for _, r := range recs {
				_ = w.Write([]string{
					stamp(r.At), r.SessionID, r.Kind, r.Task, r.Source,
					strconv.FormatBool(r.OK), r.Reason, r.Error, r.DataJSON,
				})
			}
		}
		w.Flush()
		return w.Error()
	},
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func init() {
	historyCmd.Flags().StringVar(&historySession, "session", "", "only this session id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "keep the newest N records (0 = all)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "only records at or after this RFC3339 time")
	historyCmd.Flags().BoolVar(&historySessions, "sessions", false, "list session summaries instead of events")
}
