//go:build sqlite
// +build sqlite

package storage

import (
	"path/filepath"
	"testing"
	"time"

	logx "matbtrainer/pkg/logx"
)

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trainer.db")
	exerciseStore(t, func() Store {
		st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return st
	})
}
