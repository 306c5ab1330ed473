package elevenlabs

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"callrelay/core"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

func TestSynthesizeStreamInput(t *testing.T) {
	type captured struct {
		query, key string
		texts      []string
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{query: r.URL.RawQuery, key: r.Header.Get("xi-api-key")}
		defer func() { seen <- c }()
		if !strings.HasSuffix(r.URL.Path, "/voice-1/stream-input") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < 3; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Text string `json:"text"`
			}
			sonic.Unmarshal(data, &msg)
			c.texts = append(c.texts, msg.Text)
		}
		for _, part := range [][]byte{{0x01, 0x02}, {0x03}} {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"audio":"`+base64.StdEncoding.EncodeToString(part)+`","isFinal":false}`))
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"audio":null,"isFinal":true}`))
	}))
	defer srv.Close()

	tts := NewElevenLabsTTS(ElevenLabsTTSConfig{
		APIKey:  "xi",
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		VoiceID: "voice-1",
	}, core.NewDiscardLogger())

	audio, err := tts.Synthesize(context.Background(), "Hello there")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "\x01\x02\x03" {
		t.Fatalf("unexpected audio %v", audio)
	}
	c := <-seen
	if c.key != "xi" || !strings.Contains(c.query, "output_format=ulaw_8000") {
		t.Fatalf("unexpected request key=%q query=%q", c.key, c.query)
	}
	if len(c.texts) != 3 || c.texts[0] != " " || c.texts[1] != "Hello there " || c.texts[2] != "" {
		t.Fatalf("unexpected message sequence %q", c.texts)
	}
}

func TestSynthesizeStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"quota_exceeded","message":"out of credits","code":401}`))
	}))
	defer srv.Close()

	tts := NewElevenLabsTTS(ElevenLabsTTSConfig{APIKey: "xi", BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, core.NewDiscardLogger())
	_, err := tts.Synthesize(context.Background(), "hi")
	var perr *core.ProviderError
	if !errors.As(err, &perr) || !strings.Contains(err.Error(), "out of credits") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestSynthesizeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/stream") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("optimize_streaming_latency") != "3" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"text":"Hi"`) {
			t.Errorf("unexpected body %s", body)
		}
		w.Write([]byte{0xff, 0xfe})
	}))
	defer srv.Close()

	tts := NewElevenLabsTTS(ElevenLabsTTSConfig{APIKey: "xi", BaseURL: srv.URL}, core.NewDiscardLogger())
	audio, err := tts.Synthesize(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio) != 2 {
		t.Fatalf("unexpected audio %v", audio)
	}
}

func TestSynthesizeRequiresKey(t *testing.T) {
	tts := NewElevenLabsTTS(ElevenLabsTTSConfig{}, core.NewDiscardLogger())
	if _, err := tts.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatal("expected error without api key")
	}
}
