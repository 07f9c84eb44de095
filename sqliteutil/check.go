// Package sqliteutil holds helpers shared by the SQLite-backed stores.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sidecars are the files SQLite keeps next to the main database.
var sidecars = []string{"-wal", "-shm", "-journal"}

// CheckResult describes one integrity check.
type CheckResult struct {
	Healthy     bool
	MovedTo     string // set when the database was set aside
	Elapsed     time.Duration
	CheckErr    error
	MissingFile bool // nothing to check yet
}

// Check folds the WAL into the main file and runs quick_check. A database
// that fails either step is renamed (with its sidecars) to
// <path>.bad-<timestamp> so the caller can start over with an empty file.
// A timeout is returned as an error and leaves the files alone.
func Check(path string, timeout time.Duration, logf func(string, ...any)) (CheckResult, error) {
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	var res CheckResult
	if strings.TrimSpace(path) == "" {
		return res, errors.New("sqliteutil: empty path")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		res.Healthy = true
		res.MissingFile = true
		return res, nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res.CheckErr = checkFile(ctx, path, timeout)
	res.Elapsed = time.Since(start)
	if res.CheckErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("sqliteutil: check of %s timed out after %s", path, timeout)
	}

	moved, err := setAside(path, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("sqliteutil: set aside %s: %w (check: %v)", path, err, res.CheckErr)
	}
	res.MovedTo = moved
	logf("sqliteutil: %s failed integrity check (%v); moved to %s", path, res.CheckErr, moved)
	return res, nil
}

func checkFile(ctx context.Context, path string, timeout time.Duration) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("quick_check: %w", err)
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func setAside(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	for _, name := range append([]string{""}, sidecars...) {
		src := path + name
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", err
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return "", err
		}
	}
	return path + suffix, nil
}
