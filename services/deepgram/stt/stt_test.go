package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callrelay/core"
	sttevents "callrelay/events/stt"

	"github.com/gorilla/websocket"
)

type fakeDeepgram struct {
	t        *testing.T
	query    chan string
	auth     chan string
	received chan []byte
	script   []string
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.query <- r.URL.RawQuery
	f.auth <- r.Header.Get("Authorization")
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	_, audio, err := conn.ReadMessage()
	if err != nil {
		return
	}
	f.received <- audio

	for _, msg := range f.script {
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	time.Sleep(50 * time.Millisecond)
}

func nextEvent(t *testing.T, events <-chan core.IEvent) core.IEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestDeepgramStreamsEvents(t *testing.T) {
	fake := &fakeDeepgram{
		t:        t,
		query:    make(chan string, 1),
		auth:     make(chan string, 1),
		received: make(chan []byte, 1),
		script: []string{
			`{"type":"Metadata","request_id":"r1"}`,
			`{"type":"SpeechStarted","channel":[0],"timestamp":1.5}`,
			`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`,
			`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.98}]}}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
			`{"type":"UtteranceEnd","channel":[0],"last_word_end":2.1}`,
		},
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "dg-key"
	cfg.BaseURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	svc := NewDeepgramSTTService(cfg, core.NewDiscardLogger())

	events := make(chan core.IEvent, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.StartTranscriptionSession(ctx, events); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Cleanup()

	query := <-fake.query
	for _, want := range []string{"encoding=mulaw", "sample_rate=8000", "vad_events=true", "model=nova-2", "endpointing=200", "utterance_end_ms=2000"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %s", query, want)
		}
	}
	if auth := <-fake.auth; auth != "Token dg-key" {
		t.Fatalf("unexpected auth header %q", auth)
	}

	if err := svc.SendTranscriptionAudio([]byte{0xff, 0x7f}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := <-fake.received; len(got) != 2 {
		t.Fatalf("unexpected audio %v", got)
	}

	if _, ok := nextEvent(t, events).(*sttevents.SpeechStartedEvent); !ok {
		t.Fatal("expected speech started")
	}
	if interim, ok := nextEvent(t, events).(*sttevents.InterimTranscriptEvent); !ok || interim.Text != "hel" {
		t.Fatalf("expected interim transcript, got %+v", interim)
	}
	final, ok := nextEvent(t, events).(*sttevents.FinalTranscriptEvent)
	if !ok || final.Text != "hello there" || !final.SpeechFinal {
		t.Fatalf("unexpected final transcript %+v", final)
	}
	if _, ok := nextEvent(t, events).(*sttevents.UtteranceEndEvent); !ok {
		t.Fatal("expected utterance end")
	}
	closed, ok := nextEvent(t, events).(*sttevents.RecognitionClosedEvent)
	if !ok {
		t.Fatal("expected closed event")
	}
	if closed.Err != nil {
		t.Fatalf("normal close should carry no error, got %v", closed.Err)
	}
}

func TestDeepgramRequiresAPIKey(t *testing.T) {
	svc := NewDeepgramSTTService(DefaultConfig(), core.NewDiscardLogger())
	if err := svc.StartTranscriptionSession(context.Background(), make(chan core.IEvent, 1)); err == nil {
		t.Fatal("expected error without api key")
	}
	if err := svc.SendTranscriptionAudio([]byte{1}); err != core.ErrChannelClosed {
		t.Fatalf("expected ErrChannelClosed before start, got %v", err)
	}
}

func TestDeepgramDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "bad"
	cfg.BaseURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	svc := NewDeepgramSTTService(cfg, core.NewDiscardLogger())
	err := svc.StartTranscriptionSession(context.Background(), make(chan core.IEvent, 1))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
