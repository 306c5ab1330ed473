package calllog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"callrelay/core"
	"callrelay/events/turn"
	"callrelay/runner"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "calls.db")
	s, err := Open(context.Background(), cfg, core.NewDiscardLogger())
	if err != nil {
		t.Fatalf("open call log: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStartEndAndEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	if err := s.StartCall(ctx, Call{StreamSid: "MZ1", CallSid: "CA1"}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	for _, kind := range []string{"transcript", "turn"} {
		if err := s.AppendEvent(ctx, Event{StreamSid: "MZ1", Type: kind, Detail: kind + " detail"}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := s.EndCall(ctx, Call{StreamSid: "MZ1", EndReason: "stop", BargeIns: 2, Turns: 3}); err != nil {
		t.Fatalf("end call: %v", err)
	}

	call, err := s.GetCall(ctx, "MZ1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if call.CallSid != "CA1" || call.EndReason != "stop" || call.BargeIns != 2 || call.Turns != 3 || call.EndedAt.IsZero() {
		t.Fatalf("unexpected call %+v", call)
	}

	events, err := s.ListCallEvents(ctx, "MZ1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != "transcript" || events[1].Type != "turn" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestGetUnknownCall(t *testing.T) {
	s := openTestStore(t, Config{})
	if _, err := s.GetCall(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.EndCall(context.Background(), Call{StreamSid: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on end, got %v", err)
	}
}

func TestPruneByAgeAndCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{RetentionDays: 1, MaxCalls: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.StartCall(ctx, Call{StreamSid: "old"}); err != nil {
		t.Fatalf("start old: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{StreamSid: "old", Type: "dtmf"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, sid := range []string{"mid", "new"} {
		if err := s.StartCall(ctx, Call{StreamSid: sid}); err != nil {
			t.Fatalf("start %s: %v", sid, err)
		}
		s.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for _, sid := range []string{"old", "mid"} {
		if _, err := s.GetCall(ctx, sid); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s should be pruned, got %v", sid, err)
		}
	}
	if _, err := s.GetCall(ctx, "new"); err != nil {
		t.Fatalf("new call should survive: %v", err)
	}
	events, err := s.ListCallEvents(ctx, "old", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("old events should cascade, got %v %v", events, err)
	}
}

func TestRecorderPersistsNotifications(t *testing.T) {
	s := openTestStore(t, Config{})
	rec := NewRecorder(s, 16, core.NewDiscardLogger())

	sc := &runner.SessionContext{StreamSid: "MZ9", CallSid: "CA9", StartedAt: time.Now()}
	rec.CallStarted(sc)
	rec.Transcript(sc, 1, "hello")
	rec.TurnFinished(sc, &turn.ResultEvent{Seq: 1, Kind: turn.KindReply, ReplyText: "hi"}, runner.TurnQueued)
	rec.DTMF(sc, "9")
	sc.Turns = 1
	rec.CallEnded(sc, "stop")
	rec.Close()
	rec.DTMF(sc, "1")

	call, err := s.GetCall(context.Background(), "MZ9")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if call.EndReason != "stop" || call.Turns != 1 {
		t.Fatalf("unexpected call %+v", call)
	}
	events, err := s.ListCallEvents(context.Background(), "MZ9", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[1].Type != "turn" || events[1].Detail != "#1 reply queued 0ms: hi" {
		t.Fatalf("unexpected turn event %+v", events[1])
	}
}
