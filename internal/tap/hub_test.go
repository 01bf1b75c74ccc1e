package tap

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestHub_FilterAndDrop(t *testing.T) {
	h := NewHub(nil)
	all, cancelAll := h.Subscribe("", 1)
	defer cancelAll()
	hourly, cancelHourly := h.Subscribe("Hourly", 4)

	h.Delivered("Daily", "CR6/1/Daily", []byte(`{"a":1}`))
	h.Delivered("Hourly", "CR6/1/Hourly", []byte(`{"a":2}`))

	if ev := <-all; ev.Table != "Daily" {
		t.Fatalf("first event table=%q", ev.Table)
	}
	if ev := <-hourly; ev.Topic != "CR6/1/Hourly" || string(ev.Payload) != `{"a":2}` {
		t.Fatalf("hourly event=%+v", ev)
	}
	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d want=1", h.Dropped())
	}

	cancelHourly()
	cancelHourly()
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers=%d want=1", h.Subscribers())
	}
}

func TestHub_StreamsOverWebsocket(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?table=Hourly"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial err=%v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Delivered("Daily", "CR6/1/Daily", []byte(`{"skip":true}`))
	h.Delivered("Hourly", "CR6/1/Hourly", []byte(`{"RecNbr":7}`))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read err=%v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if ev.Table != "Hourly" || string(ev.Payload) != `{"RecNbr":7}` {
		t.Fatalf("event=%+v", ev)
	}
}
