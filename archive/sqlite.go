package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hfpredict/config"
	"hfpredict/sqliteutil"

	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(cfg config.ArchiveConfig, logf func(string, ...any)) (*sqliteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	if _, err := sqliteutil.Check(cfg.DBPath, 5*time.Second, logf); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	// One connection keeps WAL writes serialized inside the process.
	db.SetMaxOpenConns(1)
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	if _, err := db.Exec(fmt.Sprintf(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d`, busy)); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: schema: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

const sqliteSchema = `
create table if not exists spot_predictions (
	id integer primary key autoincrement,
	ts integer not null,
	source text,
	spotter text,
	dx text,
	freq real,
	mode text,
	has_prediction integer,
	sp_snr integer,
	sp_rel integer,
	sp_metric text,
	lp_snr integer,
	lp_rel integer,
	lp_metric text
);
create index if not exists idx_spot_predictions_ts on spot_predictions(ts);
create index if not exists idx_spot_predictions_dx_ts on spot_predictions(dx, ts);
`

func (b *sqliteBackend) insert(ctx context.Context, batch []Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `insert into spot_predictions(ts, source, spotter, dx, freq, mode, has_prediction, sp_snr, sp_rel, sp_metric, lp_snr, lp_rel, lp_metric) values(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx,
			r.Time.UTC().Unix(),
			r.Source,
			r.Spotter,
			r.DX,
			r.FrequencyMHz,
			r.Mode,
			boolToInt(r.HasPrediction),
			r.SPSNR,
			r.SPReliability,
			r.SPMetric,
			r.LPSNR,
			r.LPReliability,
			r.LPMetric,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *sqliteBackend) cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `delete from spot_predictions where ts < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}

// recent returns the newest records first.
func (b *sqliteBackend) recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `select ts, source, spotter, dx, freq, mode, has_prediction, sp_snr, sp_rel, sp_metric, lp_snr, lp_rel, lp_metric from spot_predictions order by ts desc, id desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r   Record
			ts  int64
			has int
		)
		if err := rows.Scan(&ts, &r.Source, &r.Spotter, &r.DX, &r.FrequencyMHz, &r.Mode, &has, &r.SPSNR, &r.SPReliability, &r.SPMetric, &r.LPSNR, &r.LPReliability, &r.LPMetric); err != nil {
			return nil, fmt.Errorf("archive: scan recent: %w", err)
		}
		r.Time = time.Unix(ts, 0).UTC()
		r.HasPrediction = has > 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate recent: %w", err)
	}
	return out, nil
}

// Recent returns up to limit archived records, newest first. Only the SQLite
// backend supports reads.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	b, ok := w.backend.(*sqliteBackend)
	if !ok {
		return nil, fmt.Errorf("archive: recent not supported by backend")
	}
	return b.recent(ctx, limit)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
