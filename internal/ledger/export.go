package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/applyforge/ai-orchestrator/internal/store"
)

const (
	exportBuffer   = 10_000
	exportBatch    = 100
	exportInterval = time.Second
)

const ddl = `
CREATE TABLE IF NOT EXISTS usage_events (
	user_id            Int64,
	provider_config_id UInt32,
	task               LowCardinality(String),
	model              LowCardinality(String),
	input_tokens       UInt32,
	output_tokens      UInt32,
	total_tokens       UInt32,
	cost_micro_usd     Int64,
	latency_ms         UInt32,
	status             LowCardinality(String),
	error_kind         LowCardinality(String),
	cache_hit          UInt8,
	estimated          UInt8,
	created_at         DateTime
) ENGINE = MergeTree()
ORDER BY (created_at, user_id)`

// Exporter ships usage records to ClickHouse for analytics, off the request
// path. Records go through a buffered channel and are inserted in batches;
// when the channel fills up, new records are dropped and counted.
type Exporter struct {
	conn driver.Conn
	log  *slog.Logger

	ch        chan store.UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
}

// NewExporter connects to ClickHouse, ensures the usage_events table exists,
// and starts the export loop.
func NewExporter(ctx context.Context, dsn string, log *slog.Logger) (*Exporter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ledger: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ledger: create usage_events: %w", err)
	}

	e := &Exporter{
		conn: conn,
		log:  log,
		ch:   make(chan store.UsageRecord, exportBuffer),
		done: make(chan struct{}),
	}

	e.wg.Add(1)
	go e.run()

	return e, nil
}

// Enqueue hands a record to the export loop without blocking.
func (e *Exporter) Enqueue(rec *store.UsageRecord) {
	select {
	case e.ch <- *rec:
	default:
		atomic.AddInt64(&e.dropped, 1)
	}
}

// DroppedCount reports how many records were lost to backpressure.
func (e *Exporter) DroppedCount() int64 {
	return atomic.LoadInt64(&e.dropped)
}

// Close drains the channel, flushes the final batch, and closes the
// connection.
func (e *Exporter) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	return e.conn.Close()
}

func (e *Exporter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(exportInterval)
	defer ticker.Stop()

	batch := make([]store.UsageRecord, 0, exportBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := e.insert(batch); err != nil {
			e.log.Warn("clickhouse export failed",
				slog.Int("batch_size", len(batch)),
				slog.Any("error", err),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-e.ch:
			batch = append(batch, rec)
			if len(batch) >= exportBatch {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-e.done:
			for {
				select {
				case rec := <-e.ch:
					batch = append(batch, rec)
					if len(batch) >= exportBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (e *Exporter) insert(recs []store.UsageRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := e.conn.PrepareBatch(ctx, "INSERT INTO usage_events")
	if err != nil {
		return err
	}

	for _, r := range recs {
		var configID uint32
		if r.ProviderConfigID != nil {
			configID = uint32(*r.ProviderConfigID)
		}
		if err := batch.Append(
			r.UserID,
			configID,
			r.Task,
			r.Model,
			uint32(r.InputTokens),
			uint32(r.OutputTokens),
			uint32(r.TotalTokens),
			r.CostMicroUSD,
			uint32(r.LatencyMs),
			r.Status,
			r.ErrorKind,
			boolToUInt8(r.CacheHit),
			boolToUInt8(r.Estimated),
			r.CreatedAt,
		); err != nil {
			return err
		}
	}

	return batch.Send()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
