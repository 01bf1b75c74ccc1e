package cronrunner

import (
	"context"
	"testing"
	"time"
)

type ctxKey struct{}

func TestRunner_RunsJobWithBaseContext(t *testing.T) {
	base := context.WithValue(context.Background(), ctxKey{}, "base")
	r := New(nil, base)

	got := make(chan any, 1)
	if _, err := r.Add("probe", "@every 1s", func(ctx context.Context) {
		select {
		case got <- ctx.Value(ctxKey{}):
		default:
		}
	}); err != nil {
		t.Fatalf("Add err=%v", err)
	}
	r.Start()
	defer r.Stop()

	select {
	case v := <-got:
		if v != "base" {
			t.Fatalf("ctx value=%v want=base", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job never ran")
	}
}

func TestRunner_RejectsBadSpec(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.Add("bad", "every minute", func(context.Context) {}); err == nil {
		t.Fatalf("expected parse error")
	}
	if r.Entries() != 0 {
		t.Fatalf("entries=%d want=0", r.Entries())
	}
}
