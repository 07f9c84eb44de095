package archive

import (
	"context"
	"fmt"
	"time"

	"hfpredict/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type clickHouseBackend struct {
	conn  driver.Conn
	table string
}

func openClickHouse(ctx context.Context, cfg config.ClickHouseConfig, retentionDays int) (*clickHouseBackend, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: clickhouse ping %s: %w", cfg.Addr, err)
	}
	b := &clickHouseBackend{conn: conn, table: cfg.Database + "." + cfg.Table}
	if err := conn.Exec(ctx, clickHouseSchema(b.table, retentionDays)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: clickhouse schema: %w", err)
	}
	return b, nil
}

// clickHouseSchema expires rows through a table TTL, so cleanup is a no-op.
func clickHouseSchema(table string, retentionDays int) string {
	ttl := ""
	if retentionDays > 0 {
		ttl = fmt.Sprintf("\nTTL ts + INTERVAL %d DAY", retentionDays)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	ts DateTime,
	source LowCardinality(String),
	spotter String,
	dx String,
	freq Float64,
	mode LowCardinality(String),
	has_prediction UInt8,
	sp_snr Int16,
	sp_rel UInt8,
	sp_metric LowCardinality(String),
	lp_snr Int16,
	lp_rel UInt8,
	lp_metric LowCardinality(String)
) ENGINE = MergeTree
ORDER BY (ts, dx)%s`, table, ttl)
}

// clickHouseRow orders a record's columns for Batch.Append.
func clickHouseRow(r Record) []any {
	return []any{
		r.Time.UTC(),
		r.Source,
		r.Spotter,
		r.DX,
		r.FrequencyMHz,
		r.Mode,
		uint8(boolToInt(r.HasPrediction)),
		int16(r.SPSNR),
		clampPercent(r.SPReliability),
		r.SPMetric,
		int16(r.LPSNR),
		clampPercent(r.LPReliability),
		r.LPMetric,
	}
}

func clampPercent(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}

func (b *clickHouseBackend) insert(ctx context.Context, batch []Record) error {
	pending, err := b.conn.PrepareBatch(ctx, "INSERT INTO "+b.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range batch {
		if err := pending.Append(clickHouseRow(r)...); err != nil {
			_ = pending.Abort()
			return fmt.Errorf("append: %w", err)
		}
	}
	if err := pending.Send(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (b *clickHouseBackend) cleanup(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (b *clickHouseBackend) close() error {
	return b.conn.Close()
}
