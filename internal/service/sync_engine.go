package service

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"crlogger/internal/models"
)

const (
	// DefaultAdvanceStep is the smallest step time.Time can represent.
	DefaultAdvanceStep = time.Nanosecond
	DefaultPublishPace = 100 * time.Millisecond
)

// RecordSource yields batches of records strictly newer than since, in time
// order. Records sharing a timestamp are never split across batches.
type RecordSource interface {
	Fetch(ctx context.Context, table string, since time.Time) iter.Seq2[[]models.Record, error]
}

// Publisher hands one payload to the bus and returns once it is accepted.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// CheckpointSaver persists the whole checkpoint set.
type CheckpointSaver interface {
	Save(ctx context.Context, tables map[string]time.Time) error
}

// DeliveryObserver sees every record after the bus accepted it.
type DeliveryObserver interface {
	Delivered(table, topic string, payload []byte)
}

// SyncEngine delivers new records of every table to the bus and advances
// each table's checkpoint batch by batch.
type SyncEngine struct {
	TopicRoot string
	// Step is added to the last delivered record time to form the next
	// checkpoint.
	Step time.Duration
	Pace time.Duration
	// Saver, when set, persists the set after every delivered batch so a
	// crash re-delivers at most one batch.
	Saver    CheckpointSaver
	Logger   *zap.Logger
	Observer DeliveryObserver

	sleep func(context.Context, time.Duration) error
}

// SyncResult counts what one pass delivered.
type SyncResult struct {
	Tables  int `json:"tables"`
	Batches int `json:"batches"`
	Records int `json:"records"`
}

// Sync delivers everything newer than each table's checkpoint, table by
// table in name order. The first failure aborts the pass; checkpoints of
// fully delivered batches stay advanced.
func (e *SyncEngine) Sync(ctx context.Context, serial string, src RecordSource, pub Publisher, tables *models.TableSet) (SyncResult, error) {
	var res SyncResult
	if tables == nil {
		return res, nil
	}
	for _, table := range tables.Names() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batches, records, err := e.syncTable(ctx, serial, table, src, pub, tables, res.Records > 0)
		res.Batches += batches
		res.Records += records
		res.Tables++
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *SyncEngine) syncTable(ctx context.Context, serial, table string, src RecordSource, pub Publisher, tables *models.TableSet, paced bool) (int, int, error) {
	since, _ := tables.Get(table)
	topic := e.Topic(serial, table)
	batches, records := 0, 0

	for batch, err := range src.Fetch(ctx, table, since) {
		if err != nil {
			return batches, records, fmt.Errorf("fetch %s since %s: %w", table, since.Format(time.RFC3339Nano), err)
		}
		if len(batch) == 0 {
			continue
		}
		last := batch[0].Time
		for _, rec := range batch {
			payload, err := rec.Payload()
			if err != nil {
				return batches, records, fmt.Errorf("encode %s record %d: %w", table, rec.No, err)
			}
			if paced || records > 0 {
				if err := e.wait(ctx); err != nil {
					return batches, records, err
				}
			}
			if err := pub.Publish(ctx, topic, payload); err != nil {
				return batches, records, fmt.Errorf("publish %s record %d: %w", table, rec.No, err)
			}
			records++
			if rec.Time.After(last) {
				last = rec.Time
			}
			if e.Observer != nil {
				e.Observer.Delivered(table, topic, payload)
			}
		}
		next := last.Add(e.step())
		tables.Advance(table, next)
		batches++
		if e.Saver != nil {
			if err := e.Saver.Save(ctx, tables.Snapshot()); err != nil {
				return batches, records, fmt.Errorf("persist %s checkpoint: %w", table, err)
			}
		}
		if e.Logger != nil {
			e.Logger.Debug("batch delivered",
				zap.String("table", table),
				zap.Int("records", len(batch)),
				zap.Time("checkpoint", next),
			)
		}
	}
	if records > 0 && e.Logger != nil {
		e.Logger.Info("table synced",
			zap.String("table", table),
			zap.Int("batches", batches),
			zap.Int("records", records),
		)
	}
	return batches, records, nil
}

// Topic is <root>/<serial>/<table>.
func (e *SyncEngine) Topic(serial, table string) string {
	root := strings.Trim(strings.TrimSpace(e.TopicRoot), "/")
	if root == "" {
		return serial + "/" + table
	}
	return root + "/" + serial + "/" + table
}

func (e *SyncEngine) step() time.Duration {
	if e.Step <= 0 {
		return DefaultAdvanceStep
	}
	return e.Step
}

func (e *SyncEngine) wait(ctx context.Context) error {
	if e.Pace <= 0 {
		return ctx.Err()
	}
	if e.sleep != nil {
		return e.sleep(ctx, e.Pace)
	}
	return sleepCtx(ctx, e.Pace)
}
