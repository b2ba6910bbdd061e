//go:build !sqlite

package storage

import (
	"errors"

	logx "matbtrainer/pkg/logx"
)

func init() {
	register("sqlite", func(Config, logx.Logger) (Store, error) {
		return nil, errors.New("sqlite journal not compiled in: rebuild with -tags sqlite")
	}, "sqlite3")
}
