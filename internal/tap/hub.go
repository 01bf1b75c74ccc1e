// Package tap streams delivered records to websocket clients as they are
// published to the bus. It is a debugging aid; slow clients lose messages.
package tap

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Event struct {
	Table   string          `json:"table"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type subscriber struct {
	table string
	ch    chan Event
}

// Hub fans delivered records out to subscribers without blocking the
// sync engine.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped uint64
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger, subs: map[uint64]*subscriber{}}
}

// Delivered implements the engine's delivery observer.
func (h *Hub) Delivered(table, topic string, payload []byte) {
	if h == nil {
		return
	}
	ev := Event{Table: table, Topic: topic, Payload: json.RawMessage(append([]byte(nil), payload...))}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.table != "" && s.table != table {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Subscribe registers a listener for table, or for every table when table
// is empty.
func (h *Hub) Subscribe(table string, buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	s := &subscriber{table: strings.TrimSpace(table), ch: make(chan Event, buf)}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// ServeHTTP upgrades to a websocket and streams events until the client
// goes away. The optional table query parameter filters the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("tap accept failed", zap.Error(err))
		}
		return
	}
	defer conn.CloseNow()

	table := r.URL.Query().Get("table")
	events, cancel := h.Subscribe(table, 0)
	defer cancel()

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())
	if h.logger != nil {
		h.logger.Info("tap client connected", zap.String("remote", r.RemoteAddr), zap.String("table", table))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				if h.logger != nil {
					h.logger.Debug("tap client gone", zap.Error(err))
				}
				return
			}
		}
	}
}
