package dashboard

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"bookscope/internal/metrics"
	"bookscope/logger"
)

func TestMetricStoreKeepsLatestPerInstrument(t *testing.T) {
	store := newMetricStore()
	store.handle(metrics.Metric{Name: "desyncs", Value: int64(1), Fields: logger.Fields{"instrument": "BTC/USD"}})
	store.handle(metrics.Metric{Name: "desyncs", Value: int64(3), Fields: logger.Fields{"instrument": "BTC/USD"}})
	store.handle(metrics.Metric{Name: "desyncs", Value: int64(7), Fields: logger.Fields{"instrument": "ETH/USD"}})
	store.handle(metrics.Metric{Name: "archive_errors", Value: int64(2), Fields: logger.Fields{}})

	got := store.snapshot("BTC/USD")
	if len(got) != 1 || got["desyncs"] != int64(3) {
		t.Fatalf("unexpected values: %v", got)
	}
	if v := store.snapshot("ETH/USD")["desyncs"]; v != int64(7) {
		t.Fatalf("instruments not kept apart: %v", v)
	}
	if len(store.snapshot("")) != 0 {
		t.Fatalf("metrics without an instrument should be ignored")
	}
}

func TestLogStoreCapturesWarnings(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Date(2024, 1, 1, 10, 11, 12, 0, time.UTC)
	entry.Level = logrus.WarnLevel
	entry.Message = "book desynced"
	entry.Data = logrus.Fields{"component": "dispatcher", "reason": "sequence-gap", "error": errors.New("gap")}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	recs := store.recent(10)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Component != "dispatcher" || rec.Fields["error"] != "gap" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Fatalf("component should not be duplicated in fields")
	}
	line := rec.String()
	want := "10:11:12 WARNING [dispatcher] book desynced error=gap reason=sequence-gap"
	if line != want {
		t.Fatalf("unexpected line\n got %q\nwant %q", line, want)
	}
}

func TestLogStoreLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for _, msg := range []string{"one", "two", "three"} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = logrus.WarnLevel
		entry.Message = msg
		if err := store.Fire(entry); err != nil {
			t.Fatalf("Fire: %v", err)
		}
	}

	recs := store.recent(5)
	if len(recs) != 2 || recs[0].Message != "two" || recs[1].Message != "three" {
		t.Fatalf("unexpected records after pruning: %+v", recs)
	}
	if recs := store.recent(1); len(recs) != 1 || recs[0].Message != "three" {
		t.Fatalf("recent(1) should return the newest record: %+v", recs)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.recent(5)) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}

func TestLogStoreLevels(t *testing.T) {
	for _, lvl := range newLogStore(1).Levels() {
		if lvl > logrus.WarnLevel {
			t.Fatalf("store should only capture warnings and above, got %s", lvl)
		}
	}
	if !strings.Contains(logRecord{Level: "error", Message: "x"}.String(), "ERROR x") {
		t.Fatalf("level should be upper-cased")
	}
}
