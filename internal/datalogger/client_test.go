package datalogger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"crlogger/internal/models"
)

type fakeLogger struct {
	mu       sync.Mutex
	queries  []string
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeLogger(t *testing.T) (*fakeLogger, *httptest.Server) {
	t.Helper()
	f := &fakeLogger{handlers: map[string]func(http.ResponseWriter, *http.Request){}}
	f.handlers["ClockCheck"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"outcome":1,"time":"2024-01-01T00:10:00"}`)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := r.URL.Query().Get("command")
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.RawQuery)
		h := f.handlers[cmd]
		f.mu.Unlock()
		if h == nil {
			http.Error(w, "unknown command", http.StatusBadRequest)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `{"head":{"environment":{"station_name":"Ridge","table_name":"Status","model":"CR6","serial_no":"4321","prog_name":"ridge.cr6"},"fields":[]},"data":[]}`)
}

func TestOpen_ResolvesIdentity(t *testing.T) {
	f, srv := newFakeLogger(t)
	f.handlers["DataQuery"] = statusHandler

	s, err := NewClient(Options{BaseURL: srv.URL}).Open(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	info := s.Info()
	if info.Serial != "4321" || info.Model != "CR6" || info.Station != "Ridge" {
		t.Fatalf("info=%+v", info)
	}
	want := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	if !info.Clock.Equal(want) {
		t.Fatalf("clock=%s want=%s", info.Clock, want)
	}
}

func TestOpen_AuthFailureIsDeviceUnavailable(t *testing.T) {
	f, srv := newFakeLogger(t)
	f.handlers["ClockCheck"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	_, err := NewClient(Options{BaseURL: srv.URL, Username: "admin", Password: "x"}).Open(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err=%v want ErrDeviceUnavailable", err)
	}
}

func TestOpen_UnreachableIsDeviceUnavailable(t *testing.T) {
	_, srv := newFakeLogger(t)
	srv.Close()
	_, err := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}).Open(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err=%v want ErrDeviceUnavailable", err)
	}
}

func TestListTables_OnlyTableSymbols(t *testing.T) {
	f, srv := newFakeLogger(t)
	f.handlers["DataQuery"] = statusHandler
	f.handlers["BrowseSymbols"] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uri") != "dl:" {
			t.Errorf("uri=%q want dl:", r.URL.Query().Get("uri"))
		}
		fmt.Fprint(w, `{"symbols":[
			{"name":"Status","uri":"dl:Status","type":6},
			{"name":"Public","uri":"dl:Public","type":6},
			{"name":"WO209060_PBM","uri":"dl:WO209060_PBM","type":6},
			{"name":"BattV","uri":"dl:Public.BattV","type":7}]}`)
	}
	s, err := NewClient(Options{BaseURL: srv.URL}).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tables, err := s.ListTables(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(tables) != 3 || tables[2] != "WO209060_PBM" {
		t.Fatalf("tables=%v", tables)
	}
}

func TestFetch_FollowsMoreAndFiltersBoundary(t *testing.T) {
	f, srv := newFakeLogger(t)
	calls := 0
	f.handlers["DataQuery"] = func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("uri") == "dl:Status" {
			statusHandler(w, r)
			return
		}
		calls++
		switch calls {
		case 1:
			if q.Get("mode") != "since-time" || q.Get("p1") != "2024-01-01T00:00:00" {
				t.Errorf("first query mode=%s p1=%s", q.Get("mode"), q.Get("p1"))
			}
			fmt.Fprint(w, `{"head":{"fields":[{"name":"BattV"},{"name":"PTemp_C"}]},"data":[
				{"time":"2024-01-01T00:00:00","no":9,"vals":[12.0,20.5]},
				{"time":"2024-01-01T00:00:05","no":10,"vals":[12.5,"NAN"]},
				{"time":"2024-01-01T00:00:10","no":11,"vals":[1.2500000e+01,21]}],"more":true}`)
		case 2:
			if q.Get("mode") != "since-record" || q.Get("p1") != "12" {
				t.Errorf("second query mode=%s p1=%s", q.Get("mode"), q.Get("p1"))
			}
			fmt.Fprint(w, `{"head":{"fields":[{"name":"BattV"},{"name":"PTemp_C"}]},"data":[
				{"time":"2024-01-01T00:00:15","no":12,"vals":[12.4,21]}],"more":false}`)
		default:
			t.Errorf("unexpected query %d", calls)
		}
	}

	s, err := NewClient(Options{BaseURL: srv.URL, BatchSize: 2}).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var batches [][]models.Record
	for batch, err := range s.Fetch(context.Background(), "WO209060_PBM", since) {
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		batches = append(batches, batch)
	}
	if len(batches) != 2 {
		t.Fatalf("batches=%d want=2", len(batches))
	}
	// Record 11 closes a page with more=true, so it rides with the next page.
	if len(batches[0]) != 1 || len(batches[1]) != 2 {
		t.Fatalf("batch sizes=%d,%d want 1,2", len(batches[0]), len(batches[1]))
	}
	first := batches[0][0]
	if first.No != 10 || !first.Time.Equal(since.Add(5*time.Second)) {
		t.Fatalf("first=%+v want record 10 at 00:00:05", first)
	}
	if first.Fields["PTemp_C"] != "NAN" {
		t.Fatalf("PTemp_C=%v want NAN", first.Fields["PTemp_C"])
	}
	if got := batches[1][0].Fields["BattV"]; got != json.Number("12.5") {
		t.Fatalf("BattV=%v want canonical 12.5", got)
	}
	if batches[1][1].No != 12 {
		t.Fatalf("last record=%d want 12", batches[1][1].No)
	}
}

func TestFetch_EqualTimestampsShareBatch(t *testing.T) {
	f, srv := newFakeLogger(t)
	calls := 0
	f.handlers["DataQuery"] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uri") == "dl:Status" {
			statusHandler(w, r)
			return
		}
		calls++
		switch calls {
		case 1:
			fmt.Fprint(w, `{"head":{"fields":[{"name":"BattV"}]},"data":[
				{"time":"2024-01-01T00:00:05","no":1,"vals":[12.1]},
				{"time":"2024-01-01T00:00:10","no":2,"vals":[12.2]},
				{"time":"2024-01-01T00:00:10","no":3,"vals":[12.3]},
				{"time":"2024-01-01T00:00:20","no":4,"vals":[12.4]},
				{"time":"2024-01-01T00:00:20","no":5,"vals":[12.5]}],"more":true}`)
		case 2:
			fmt.Fprint(w, `{"head":{"fields":[{"name":"BattV"}]},"data":[
				{"time":"2024-01-01T00:00:20","no":6,"vals":[12.6]},
				{"time":"2024-01-01T00:00:25","no":7,"vals":[12.7]}],"more":false}`)
		default:
			t.Errorf("unexpected query %d", calls)
		}
	}

	s, err := NewClient(Options{BaseURL: srv.URL, BatchSize: 2}).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var got [][]int64
	for batch, err := range s.Fetch(context.Background(), "T", since) {
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		var nos []int64
		for _, rec := range batch {
			nos = append(nos, rec.No)
		}
		got = append(got, nos)
	}
	want := [][]int64{{1, 2, 3}, {4, 5, 6}, {7}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("batches=%v want=%v", got, want)
	}

	// Resuming from the first batch's checkpoint must not skip its ties.
	calls = 0
	checkpoint := since.Add(10*time.Second + time.Nanosecond)
	var resumed []int64
	for batch, err := range s.Fetch(context.Background(), "T", checkpoint) {
		if err != nil {
			t.Fatalf("resume err=%v", err)
		}
		for _, rec := range batch {
			resumed = append(resumed, rec.No)
		}
	}
	if fmt.Sprint(resumed) != fmt.Sprint([]int64{4, 5, 6, 7}) {
		t.Fatalf("resumed=%v want [4 5 6 7]", resumed)
	}
}

func TestFetch_NothingNewYieldsNothing(t *testing.T) {
	f, srv := newFakeLogger(t)
	f.handlers["DataQuery"] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uri") == "dl:Status" {
			statusHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"head":{"fields":[]},"data":[],"more":false}`)
	}
	s, err := NewClient(Options{BaseURL: srv.URL}).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, err := range s.Fetch(context.Background(), "T1", time.Now()) {
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		n++
	}
	if n != 0 {
		t.Fatalf("batches=%d want=0", n)
	}
}

func TestFetch_RejectedCommandIsDeviceUnavailable(t *testing.T) {
	f, srv := newFakeLogger(t)
	f.handlers["DataQuery"] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uri") == "dl:Status" {
			statusHandler(w, r)
			return
		}
		fmt.Fprint(w, `{"outcome":2,"message":"invalid table name"}`)
	}
	s, err := NewClient(Options{BaseURL: srv.URL}).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var got error
	for _, err := range s.Fetch(context.Background(), "Nope", time.Now()) {
		got = err
	}
	if !errors.Is(got, ErrDeviceUnavailable) {
		t.Fatalf("err=%v want ErrDeviceUnavailable", got)
	}
}

func TestFetch_SinceRenderedInDeviceZone(t *testing.T) {
	loc := time.FixedZone("station", -6*3600)
	c := NewClient(Options{BaseURL: "http://logger", Location: loc})
	since := time.Date(2024, 1, 1, 12, 0, 0, 500000000, time.UTC)
	if got := c.formatSince(since); got != "2024-01-01T06:00:00.5" {
		t.Fatalf("since=%s", got)
	}
}
