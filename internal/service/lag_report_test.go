package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLagReporter_FlagsLaggingTables(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rep := &recordingReporter{}
	r := &LagReporter{
		Checkpoints: func() map[string]time.Time {
			return map[string]time.Time{"Daily": at(0), "Hourly": at(3500)}
		},
		Warn:   time.Hour,
		Logger: zap.New(core),
		Events: rep,
		now:    func() time.Time { return at(3700) },
	}

	lags := r.Report(context.Background())
	if len(lags) != 2 || lags[0].Table != "Daily" || lags[1].Lag != 200*time.Second {
		t.Fatalf("lags=%+v", lags)
	}
	warned := logs.FilterMessage("table checkpoint lagging").All()
	if len(warned) != 1 || warned[0].ContextMap()["table"] != "Daily" {
		t.Fatalf("warnings=%v", warned)
	}
	if len(rep.messages) != 1 {
		t.Fatalf("reported=%v", rep.messages)
	}
}

func TestLagReporter_NothingTracked(t *testing.T) {
	r := &LagReporter{Checkpoints: func() map[string]time.Time { return nil }}
	if lags := r.Report(context.Background()); lags != nil {
		t.Fatalf("lags=%v", lags)
	}
	var nilReporter *LagReporter
	nilReporter.Run(context.Background())
}
