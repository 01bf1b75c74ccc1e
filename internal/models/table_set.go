package models

import (
	"sort"
	"sync"
	"time"
)

// TableSet maps a datalogger table to the instant after which records
// still have to be collected. Values only ever move forward.
type TableSet struct {
	mu     sync.RWMutex
	tables map[string]time.Time
}

func NewTableSet(tables map[string]time.Time) *TableSet {
	s := &TableSet{tables: make(map[string]time.Time, len(tables))}
	for name, ts := range tables {
		s.tables[name] = ts
	}
	return s
}

func (s *TableSet) Get(table string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tables[table]
	return ts, ok
}

// Advance moves the checkpoint of table to ts. It reports false and leaves
// the set unchanged when ts is not after the current value.
func (s *TableSet) Advance(table string, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tables[table]
	if ok && !ts.After(cur) {
		return false
	}
	s.tables[table] = ts
	return true
}

// Names returns the tracked tables in lexical order.
func (s *TableSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *TableSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables)
}

// Snapshot copies the set for persistence or display.
func (s *TableSet) Snapshot() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.tables))
	for name, ts := range s.tables {
		out[name] = ts
	}
	return out
}
