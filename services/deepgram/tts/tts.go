package deepgram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callrelay/core"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// maxCharsPerSpeak keeps each Speak message under Deepgram's buffered text
// limit (DATA-0001).
const maxCharsPerSpeak = 2000

// DepgramTTSConfig holds configuration for the Deepgram TTS service
type DepgramTTSConfig struct {
	APIKey     string        `json:"api_key" yaml:"api_key"`
	BaseURL    string        `json:"base_url" yaml:"base_url"`
	Model      string        `json:"model" yaml:"model"`
	Encoding   string        `json:"encoding" yaml:"encoding"`
	SampleRate int           `json:"sample_rate" yaml:"sample_rate"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a DepgramTTSConfig producing telephony audio.
func DefaultConfig() DepgramTTSConfig {
	return DepgramTTSConfig{
		BaseURL:    "wss://api.deepgram.com/v1/speak",
		Model:      "aura-2-arcas-en",
		Encoding:   "mulaw",
		SampleRate: 8000,
		Timeout:    30 * time.Second,
	}
}

// DepgramTTS synthesizes replies over Deepgram's speak WebSocket, one
// connection per reply.
type DepgramTTS struct {
	config DepgramTTSConfig
	logger *core.Logger
}

// Message types for Deepgram TTS WebSocket protocol
type (
	speakV1Text struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	speakV1Control struct {
		Type string `json:"type"`
	}

	speakV1Server struct {
		Type        string  `json:"type"`
		SequenceID  float64 `json:"sequence_id"`
		RequestID   string  `json:"request_id"`
		Description string  `json:"description"`
		Code        string  `json:"code"`
	}
)

func NewDeepgramTTS(config DepgramTTSConfig, logger *core.Logger) *DepgramTTS {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.Encoding == "" {
		config.Encoding = defaults.Encoding
	}
	if config.SampleRate == 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DepgramTTS{
		config: config,
		logger: logger.With(map[string]interface{}{"component": "deepgram_tts"}),
	}
}

// Synthesize sends text, flushes, and collects binary audio until Deepgram
// reports Flushed.
func (d *DepgramTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	audio, err := d.synthesize(ctx, text)
	if err != nil {
		return nil, core.NewProviderError("deepgram", "speak", err)
	}
	return audio, nil
}

func (d *DepgramTTS) synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.config.APIKey == "" {
		return nil, errors.New("API key is required")
	}

	q := url.Values{}
	q.Set("model", d.config.Model)
	q.Set("encoding", d.config.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	endpoint := d.config.BaseURL + "?" + q.Encode()

	headers := http.Header{"Authorization": {"Token " + d.config.APIKey}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(d.config.Timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	for _, part := range splitText(text, maxCharsPerSpeak) {
		if err := writeJSON(conn, speakV1Text{Type: "Speak", Text: part}); err != nil {
			return nil, err
		}
	}
	if err := writeJSON(conn, speakV1Control{Type: "Flush"}); err != nil {
		return nil, err
	}

	var audio bytes.Buffer
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		if messageType == websocket.BinaryMessage {
			audio.Write(data)
			continue
		}

		var msg speakV1Server
		if err := sonic.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		switch msg.Type {
		case "Flushed":
			_ = writeJSON(conn, speakV1Control{Type: "Close"})
			return audio.Bytes(), nil
		case "Warning":
			d.logger.Warn("speak warning", "code", msg.Code, "description", msg.Description)
		case "Error":
			return nil, fmt.Errorf("%s: %s", msg.Code, msg.Description)
		case "Metadata":
			d.logger.Debug("speak metadata", "request_id", msg.RequestID)
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// splitText cuts text into pieces of at most limit bytes, preferring
// whitespace boundaries.
func splitText(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], ' ')
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
