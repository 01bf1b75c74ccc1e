package service

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"crlogger/internal/models"
	"crlogger/internal/repository"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func recordsAt(secs ...int) []models.Record {
	out := make([]models.Record, 0, len(secs))
	for i, sec := range secs {
		out = append(out, models.Record{Time: at(sec), No: int64(i + 1), Fields: map[string]any{"v": sec}})
	}
	return out
}

// events records the order of side effects across fakes.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(name string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.list = append(e.list, name)
	e.mu.Unlock()
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.list)
}

// fakeSource serves a fixed record log per table.
type fakeSource struct {
	serial    string
	clock     time.Time
	tables    []string
	records   map[string][]models.Record
	batchSize int
	fetchErr  error
	listCalls int
	fetches   []time.Time
	ev        *events
}

func (f *fakeSource) Serial() string   { return f.serial }
func (f *fakeSource) Clock() time.Time { return f.clock }

func (f *fakeSource) ListTables(context.Context) ([]string, error) {
	f.listCalls++
	return slices.Clone(f.tables), nil
}

func (f *fakeSource) Fetch(_ context.Context, table string, since time.Time) iter.Seq2[[]models.Record, error] {
	f.fetches = append(f.fetches, since)
	return func(yield func([]models.Record, error) bool) {
		if f.fetchErr != nil {
			yield(nil, f.fetchErr)
			return
		}
		var fresh []models.Record
		for _, rec := range f.records[table] {
			if rec.Time.After(since) {
				fresh = append(fresh, rec)
			}
		}
		for _, batch := range models.Batches(fresh, f.batchSize) {
			if !yield(batch, nil) {
				return
			}
		}
	}
}

func (f *fakeSource) Close() error {
	f.ev.add("device.close")
	return nil
}

type delivery struct {
	topic string
	time  time.Time
}

// fakeBus accepts publishes until failOn is reached (1-based, 0 = never).
type fakeBus struct {
	readyErr  error
	failOn    int
	attempts  int
	delivered []delivery
	handlers  int
	ev        *events
}

func (b *fakeBus) WaitReady(context.Context, time.Duration) error { return b.readyErr }

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.attempts++
	if b.failOn > 0 && b.attempts == b.failOn {
		return errors.New("broker rejected publish")
	}
	rec, err := decodePayloadTime(payload)
	if err != nil {
		return err
	}
	b.delivered = append(b.delivered, delivery{topic: topic, time: rec})
	return nil
}

func (b *fakeBus) OnMessage(func(string, []byte)) func() {
	b.handlers++
	return func() {
		b.handlers--
		b.ev.add("bus.unsubscribe")
	}
}

func (b *fakeBus) Close() error {
	b.ev.add("bus.close")
	return nil
}

// memRepo keeps checkpoints in memory and counts calls.
type memRepo struct {
	state   map[string]time.Time
	loadErr error
	saveErr error
	// failSaveOn fails the n-th Save (1-based) only.
	failSaveOn int
	loads      int
	saves      int
	ev         *events
}

func (r *memRepo) Load(context.Context) (map[string]time.Time, bool, error) {
	r.loads++
	if r.loadErr != nil {
		return nil, false, r.loadErr
	}
	if r.state == nil {
		return nil, false, nil
	}
	out := make(map[string]time.Time, len(r.state))
	for k, v := range r.state {
		out[k] = v
	}
	return out, true, nil
}

func (r *memRepo) Save(_ context.Context, tables map[string]time.Time) error {
	r.saves++
	r.ev.add("repo.save")
	if r.saveErr != nil {
		return r.saveErr
	}
	if r.failSaveOn > 0 && r.saves == r.failSaveOn {
		return repository.ErrPersistence
	}
	r.state = make(map[string]time.Time, len(tables))
	for k, v := range tables {
		r.state[k] = v
	}
	return nil
}

func (r *memRepo) Close() error { return nil }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type testRig struct {
	src  *fakeSource
	bus  *fakeBus
	repo *memRepo
	ev   *events
	sup  *Supervisor
}

func newRig(src *fakeSource, repo *memRepo) *testRig {
	ev := &events{}
	src.ev = ev
	repo.ev = ev
	rig := &testRig{src: src, bus: &fakeBus{ev: ev}, repo: repo, ev: ev}
	rig.sup = &Supervisor{
		Device: DeviceOpenerFunc(func(context.Context) (DeviceSession, error) { return rig.src, nil }),
		Bus:    BusConnectorFunc(func(context.Context) (BusConn, error) { return rig.bus, nil }),
		Repo:   repo,
		Engine: &SyncEngine{
			TopicRoot: "CR6",
			Step:      time.Second,
			sleep:     noSleep,
		},
		ExcludeTables: []string{"Status", "Public"},
		now:           func() time.Time { return at(1000) },
		sleep:         noSleep,
	}
	return rig
}

func decodePayloadTime(payload []byte) (time.Time, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return time.Time{}, err
	}
	raw, _ := doc[models.FieldTimestamp].(string)
	return time.Parse(time.RFC3339Nano, raw)
}
