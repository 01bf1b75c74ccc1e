package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crlogger/internal/models"
	"crlogger/internal/repository"
)

// State is the supervisor's lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateSyncing    State = "syncing"
	StateDraining   State = "draining"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultDeviceTimeout  = 10 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	drainTimeout          = 15 * time.Second
)

// DeviceSession is an open conversation with the datalogger.
type DeviceSession interface {
	RecordSource
	Serial() string
	Clock() time.Time
	ListTables(ctx context.Context) ([]string, error)
	Close() error
}

type DeviceOpener interface {
	Open(ctx context.Context) (DeviceSession, error)
}

type DeviceOpenerFunc func(ctx context.Context) (DeviceSession, error)

func (f DeviceOpenerFunc) Open(ctx context.Context) (DeviceSession, error) { return f(ctx) }

// BusConn is one bus connection. Handlers registered with OnMessage live
// until the returned function runs or the connection closes.
type BusConn interface {
	Publisher
	WaitReady(ctx context.Context, timeout time.Duration) error
	OnMessage(h func(topic string, payload []byte)) (unsubscribe func())
	Close() error
}

type BusConnector interface {
	Connect(ctx context.Context) (BusConn, error)
}

type BusConnectorFunc func(ctx context.Context) (BusConn, error)

func (f BusConnectorFunc) Connect(ctx context.Context) (BusConn, error) { return f(ctx) }

// EventReporter forwards notable events to an external log sink.
type EventReporter interface {
	Report(ctx context.Context, level, message string, meta map[string]any)
}

// Status is a point-in-time view of the supervisor for health and status
// endpoints.
type Status struct {
	State               State      `json:"state"`
	Serial              string     `json:"serial,omitempty"`
	Passes              int64      `json:"passes"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastPassID          string     `json:"last_pass_id,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastResult          SyncResult `json:"last_result"`
	Tables              int        `json:"tables"`
}

// Supervisor owns the device and bus sessions and runs sync passes until its
// context is cancelled.
type Supervisor struct {
	Device DeviceOpener
	Bus    BusConnector
	Repo   repository.CheckpointRepository
	Engine *SyncEngine
	Logger *zap.Logger
	Events EventReporter

	ExcludeTables  []string
	DeviceTimeout  time.Duration
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	Backoff        Backoff
	// ResetCorrupt rediscovers tables instead of stopping when the stored
	// checkpoints cannot be read.
	ResetCorrupt bool

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu     sync.RWMutex
	status Status
	tables *models.TableSet
}

// Status returns a copy of the current supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.State == "" {
		st.State = StateIdle
	}
	if st.LastSuccessAt != nil {
		t := *st.LastSuccessAt
		st.LastSuccessAt = &t
	}
	return st
}

// Checkpoints returns the tracked tables, or nil before the first load.
func (s *Supervisor) Checkpoints() map[string]time.Time {
	tables := s.tableSet()
	if tables == nil {
		return nil
	}
	return tables.Snapshot()
}

// Run drives passes until ctx is done or a fatal error occurs. Failed
// passes are retried after the backoff delay; successful ones after
// PollInterval.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}
	for {
		err := s.RunPass(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var wait time.Duration
		if err == nil {
			s.Backoff.Reset()
			wait = s.pollInterval()
		} else {
			if errors.Is(err, repository.ErrCorruptState) {
				s.logger().Error("checkpoint state is corrupt, stopping", zap.Error(err))
				return err
			}
			wait = s.Backoff.Next()
			s.logger().Warn("sync pass failed", zap.Error(err), zap.Duration("retry_in", wait))
		}
		if err := s.pause(ctx, wait); err != nil {
			return err
		}
	}
}

// RunPass performs one connect, sync and drain cycle.
func (s *Supervisor) RunPass(ctx context.Context) (err error) {
	if err := s.validate(); err != nil {
		return err
	}
	passID := uuid.NewString()
	ctx = repository.WithPassID(ctx, passID)
	log := s.logger().With(zap.String("pass_id", passID))

	var (
		session DeviceSession
		conn    BusConn
		release func()
		result  SyncResult
	)
	defer func() {
		s.setState(StateDraining)
		if derr := s.drain(ctx, log, session, conn, release); derr != nil {
			err = errors.Join(err, derr)
		}
		s.finishPass(ctx, passID, result, err)
	}()

	s.setState(StateConnecting)
	session, err = s.openDevice(ctx)
	if err != nil {
		return err
	}
	s.setSerial(session.Serial())
	log.Info("datalogger session open",
		zap.String("serial", session.Serial()),
		zap.Time("device_clock", session.Clock()),
	)

	conn, err = s.Bus.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	release = conn.OnMessage(func(topic string, payload []byte) {
		log.Info("inbound message", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	})
	if err = conn.WaitReady(ctx, s.connectTimeout()); err != nil {
		return err
	}

	tables, err := s.ensureTables(ctx, log, session)
	if err != nil {
		return err
	}

	s.setState(StateSyncing)
	result, err = s.Engine.Sync(ctx, session.Serial(), session, conn, tables)
	if err != nil {
		return err
	}
	log.Info("sync pass complete",
		zap.Int("tables", result.Tables),
		zap.Int("batches", result.Batches),
		zap.Int("records", result.Records),
	)
	return nil
}

func (s *Supervisor) openDevice(ctx context.Context) (DeviceSession, error) {
	openCtx, cancel := context.WithTimeout(ctx, s.deviceTimeout())
	defer cancel()
	session, err := s.Device.Open(openCtx)
	if err != nil {
		return nil, fmt.Errorf("open datalogger: %w", err)
	}
	return session, nil
}

// ensureTables loads the checkpoint set once per process. Without prior
// state the device tables are discovered, seeded and saved right away.
func (s *Supervisor) ensureTables(ctx context.Context, log *zap.Logger, session DeviceSession) (*models.TableSet, error) {
	if tables := s.tableSet(); tables != nil {
		return tables, nil
	}
	stored, ok, err := s.Repo.Load(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrCorruptState) || !s.ResetCorrupt {
			return nil, fmt.Errorf("load checkpoints: %w", err)
		}
		log.Warn("checkpoint state is corrupt, rediscovering tables", zap.Error(err))
		ok = false
	}
	if ok && len(stored) > 0 {
		tables := models.NewTableSet(stored)
		s.setTables(tables)
		log.Info("checkpoints loaded", zap.Int("tables", tables.Len()))
		return tables, nil
	}

	names, err := session.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	seed := session.Clock()
	if seed.IsZero() {
		seed = s.clock()
	}
	discovered := make(map[string]time.Time, len(names))
	for _, name := range names {
		if s.excluded(name) {
			continue
		}
		discovered[name] = seed
	}
	tables := models.NewTableSet(discovered)
	s.setTables(tables)
	log.Info("tables discovered",
		zap.Strings("tables", tables.Names()),
		zap.Time("seed", seed),
	)
	if err := s.Repo.Save(ctx, tables.Snapshot()); err != nil {
		return nil, fmt.Errorf("save seeded checkpoints: %w", err)
	}
	return tables, nil
}

// drain persists checkpoints, then tears the session down in reverse
// order of setup. Every step runs even if an earlier one failed.
func (s *Supervisor) drain(ctx context.Context, log *zap.Logger, session DeviceSession, conn BusConn, release func()) error {
	var errs []error
	if tables := s.tableSet(); tables != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		err := s.Repo.Save(saveCtx, tables.Snapshot())
		cancel()
		if err != nil {
			log.Error("persist checkpoints failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("persist checkpoints: %w", err))
		}
	}
	if release != nil {
		release()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close datalogger: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) finishPass(ctx context.Context, passID string, result SyncResult, err error) {
	s.mu.Lock()
	s.status.State = StateIdle
	s.status.Passes++
	s.status.LastPassID = passID
	s.status.LastResult = result
	if s.tables != nil {
		s.status.Tables = s.tables.Len()
	}
	if err == nil {
		now := s.clock()
		s.status.LastSuccessAt = &now
		s.status.LastError = ""
		s.status.ConsecutiveFailures = 0
	} else {
		s.status.LastError = err.Error()
		s.status.ConsecutiveFailures++
	}
	failures := s.status.ConsecutiveFailures
	s.mu.Unlock()

	if err != nil && s.Events != nil && ctx.Err() == nil {
		s.Events.Report(ctx, "warn", "sync pass failed", map[string]any{
			"pass_id":              passID,
			"error":                err.Error(),
			"consecutive_failures": failures,
		})
	}
}

func (s *Supervisor) validate() error {
	var missing []string
	if s.Device == nil {
		missing = append(missing, "device")
	}
	if s.Bus == nil {
		missing = append(missing, "bus")
	}
	if s.Repo == nil {
		missing = append(missing, "checkpoint repository")
	}
	if s.Engine == nil {
		missing = append(missing, "sync engine")
	}
	if len(missing) > 0 {
		return fmt.Errorf("supervisor: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s *Supervisor) excluded(table string) bool {
	return slices.ContainsFunc(s.ExcludeTables, func(name string) bool {
		return strings.EqualFold(strings.TrimSpace(name), table)
	})
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}

func (s *Supervisor) setSerial(serial string) {
	s.mu.Lock()
	s.status.Serial = serial
	s.mu.Unlock()
}

func (s *Supervisor) setTables(tables *models.TableSet) {
	s.mu.Lock()
	s.tables = tables
	s.status.Tables = tables.Len()
	s.mu.Unlock()
}

func (s *Supervisor) tableSet() *models.TableSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables
}

func (s *Supervisor) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Supervisor) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Supervisor) pause(ctx context.Context, d time.Duration) error {
	if s.sleep != nil {
		return s.sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func (s *Supervisor) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

func (s *Supervisor) deviceTimeout() time.Duration {
	if s.DeviceTimeout <= 0 {
		return DefaultDeviceTimeout
	}
	return s.DeviceTimeout
}

func (s *Supervisor) connectTimeout() time.Duration {
	if s.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return s.ConnectTimeout
}
