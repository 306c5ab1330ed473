package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callrelay/core"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// ElevenLabsTTSConfig holds configuration for the ElevenLabs TTS service
type ElevenLabsTTSConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"` // wss:// for stream-input, https:// for the HTTP stream endpoint
	VoiceID string `json:"voice_id" yaml:"voice_id"`
	ModelID string `json:"model_id" yaml:"model_id"`

	OptimizeStreamingLatency int `json:"optimize_streaming_latency" yaml:"optimize_streaming_latency"`

	// Voice settings
	Stability       float64 `json:"stability" yaml:"stability"`
	SimilarityBoost float64 `json:"similarity_boost" yaml:"similarity_boost"`

	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// ElevenLabsTTS synthesizes one reply per call, in the channel's native
// mulaw/8000 so no transcoding is needed.
type ElevenLabsTTS struct {
	config     ElevenLabsTTSConfig
	logger     *core.Logger
	httpClient *http.Client
}

// Client messages
type (
	// BOS (Beginning of Stream) - sent once on connect
	elBOSMessage struct {
		Text             string          `json:"text"`
		VoiceSettings    elVoiceSettings `json:"voice_settings"`
		GenerationConfig elGenConfig     `json:"generation_config"`
	}

	elVoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	}

	elGenConfig struct {
		ChunkLengthSchedule []int `json:"chunk_length_schedule"`
	}

	elTextMessage struct {
		Text                 string `json:"text"`
		TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
	}

	elHTTPRequest struct {
		Text          string          `json:"text"`
		ModelID       string          `json:"model_id"`
		VoiceSettings elVoiceSettings `json:"voice_settings"`
	}
)

// Server messages
type elServerMessage struct {
	Audio   *string `json:"audio"`
	IsFinal bool    `json:"isFinal"`
	Error   string  `json:"error"`
	Code    int     `json:"code"`
	Message string  `json:"message"`
}

// NewElevenLabsTTS creates a new ElevenLabs TTS service with the provided config
func NewElevenLabsTTS(config ElevenLabsTTSConfig, logger *core.Logger) *ElevenLabsTTS {
	if config.BaseURL == "" {
		config.BaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	}
	if config.VoiceID == "" {
		config.VoiceID = "21m00Tcm4TlvDq8ikWAM" // Default: Rachel
	}
	if config.ModelID == "" {
		config.ModelID = "eleven_turbo_v2"
	}
	if config.OptimizeStreamingLatency == 0 {
		config.OptimizeStreamingLatency = 3
	}
	if config.Stability == 0 {
		config.Stability = 0.5
	}
	if config.SimilarityBoost == 0 {
		config.SimilarityBoost = 0.75
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	if logger == nil {
		logger = core.GetLogger()
	}
	return &ElevenLabsTTS{
		config:     config,
		logger:     logger.With(map[string]interface{}{"component": "elevenlabs_tts"}),
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Synthesize returns the complete audio for text.
func (e *ElevenLabsTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if e.config.APIKey == "" {
		return nil, core.NewProviderError("elevenlabs", "synthesize", errors.New("API key is required"))
	}

	var (
		audio []byte
		err   error
	)
	if strings.HasPrefix(e.config.BaseURL, "ws") {
		audio, err = e.synthesizeStream(ctx, text)
	} else {
		audio, err = e.synthesizeHTTP(ctx, text)
	}
	if err != nil {
		return nil, core.NewProviderError("elevenlabs", "synthesize", err)
	}
	e.logger.Debug("synthesized", "chars", len(text), "bytes", len(audio))
	return audio, nil
}

func (e *ElevenLabsTTS) query() url.Values {
	q := url.Values{}
	q.Set("model_id", e.config.ModelID)
	q.Set("output_format", "ulaw_8000")
	q.Set("optimize_streaming_latency", strconv.Itoa(e.config.OptimizeStreamingLatency))
	return q
}

// synthesizeStream uses the stream-input WebSocket: BOS, the text, then an
// empty EOS message, collecting audio until isFinal.
func (e *ElevenLabsTTS) synthesizeStream(ctx context.Context, text string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/%s/stream-input?%s", e.config.BaseURL, e.config.VoiceID, e.query().Encode())
	headers := http.Header{"xi-api-key": {e.config.APIKey}}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(e.config.Timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	messages := []interface{}{
		elBOSMessage{
			Text: " ",
			VoiceSettings: elVoiceSettings{
				Stability:       e.config.Stability,
				SimilarityBoost: e.config.SimilarityBoost,
			},
			GenerationConfig: elGenConfig{ChunkLengthSchedule: []int{120, 160, 250, 290}},
		},
		elTextMessage{Text: text + " ", TryTriggerGeneration: true},
		elTextMessage{Text: ""},
	}
	for _, msg := range messages {
		data, err := sonic.Marshal(msg)
		if err != nil {
			return nil, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
	}

	var audio bytes.Buffer
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && audio.Len() > 0 {
				return audio.Bytes(), nil
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg elServerMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("%s: %s (code %d)", msg.Error, msg.Message, msg.Code)
		}
		if msg.Audio != nil && *msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(*msg.Audio)
			if err != nil {
				return nil, fmt.Errorf("decode audio: %w", err)
			}
			audio.Write(chunk)
		}
		if msg.IsFinal {
			return audio.Bytes(), nil
		}
	}
}

// synthesizeHTTP posts to the streaming HTTP endpoint and reads the whole
// body.
func (e *ElevenLabsTTS) synthesizeHTTP(ctx context.Context, text string) ([]byte, error) {
	body, err := sonic.Marshal(elHTTPRequest{
		Text:    text,
		ModelID: e.config.ModelID,
		VoiceSettings: elVoiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/%s/stream?%s", e.config.BaseURL, e.config.VoiceID, e.query().Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return io.ReadAll(resp.Body)
}
