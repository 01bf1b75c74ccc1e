package redisrepository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"crlogger/internal/repository"
)

func unreachable() *Store {
	return NewStore(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}, "crlogger:checkpoints", nil)
}

func TestSave_UnreachableIsPersistenceError(t *testing.T) {
	s := unreachable()
	defer s.Close()
	err := s.Save(context.Background(), map[string]time.Time{"Hourly": time.Now()})
	if !errors.Is(err, repository.ErrPersistence) {
		t.Fatalf("err=%v want ErrPersistence", err)
	}
}

func TestSave_EmptyNameRejectedBeforeWrite(t *testing.T) {
	s := unreachable()
	defer s.Close()
	err := s.Save(context.Background(), map[string]time.Time{"": time.Now()})
	if !errors.Is(err, repository.ErrPersistence) {
		t.Fatalf("err=%v want ErrPersistence", err)
	}
}

func TestLoad_UnreachableIsNotCorrupt(t *testing.T) {
	s := unreachable()
	defer s.Close()
	_, ok, err := s.Load(context.Background())
	if err == nil || ok {
		t.Fatalf("ok=%v err=%v want error", ok, err)
	}
	if errors.Is(err, repository.ErrCorruptState) {
		t.Fatalf("transport failure reported as corrupt state")
	}
}
