package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"callrelay/core"
	sttevents "callrelay/events/stt"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// DeepgramSTTService streams call audio to Deepgram's live listen API. It
// implements stt.ISTTService from the handlers package. There is no
// reconnection: when the socket ends a single RecognitionClosedEvent is
// emitted.
type DeepgramSTTService struct {
	config *DeepgramConfig
	logger *core.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects writes

	events    chan<- core.IEvent
	ctx       context.Context
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DeepgramConfig holds configuration options for Deepgram STT
type DeepgramConfig struct {
	APIKey            string            `json:"api_key" yaml:"api_key"`
	BaseURL           string            `json:"base_url" yaml:"base_url"`
	Model             string            `json:"model" yaml:"model"`
	Language          string            `json:"language" yaml:"language"`
	Encoding          string            `json:"encoding" yaml:"encoding"`
	SampleRate        int               `json:"sample_rate" yaml:"sample_rate"`
	Channels          int               `json:"channels" yaml:"channels"`
	InterimResults    bool              `json:"interim_results" yaml:"interim_results"`
	Punctuate         bool              `json:"punctuate" yaml:"punctuate"`
	SmartFormat       bool              `json:"smart_format" yaml:"smart_format"`
	Endpointing       int               `json:"endpointing" yaml:"endpointing"`
	UtteranceEndMs    int               `json:"utterance_end_ms" yaml:"utterance_end_ms"`
	VadEvents         bool              `json:"vad_events" yaml:"vad_events"`
	Keywords          []string          `json:"keywords" yaml:"keywords"`
	Extra             map[string]string `json:"extra" yaml:"extra"`
	KeepAliveInterval time.Duration     `json:"keep_alive_interval" yaml:"keep_alive_interval"`
}

// DefaultConfig returns the phone call settings: mulaw/8000 mono with voice
// activity events enabled so barge-in can be detected.
func DefaultConfig() *DeepgramConfig {
	return &DeepgramConfig{
		BaseURL:           "wss://api.deepgram.com",
		Model:             "nova-2",
		Encoding:          "mulaw",
		SampleRate:        8000,
		Channels:          1,
		InterimResults:    true,
		Punctuate:         true,
		SmartFormat:       true,
		Endpointing:       200,
		UtteranceEndMs:    2000,
		VadEvents:         true,
		KeepAliveInterval: 10 * time.Second,
	}
}

// NewDeepgramSTTService creates a new Deepgram STT service instance.
func NewDeepgramSTTService(config *DeepgramConfig, logger *core.Logger) *DeepgramSTTService {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "wss://api.deepgram.com"
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	return &DeepgramSTTService{
		config:  config,
		logger:  logger.With(map[string]interface{}{"component": "deepgram_stt"}),
		closing: make(chan struct{}),
	}
}

// StartTranscriptionSession dials Deepgram and starts reading results.
func (d *DeepgramSTTService) StartTranscriptionSession(ctx context.Context, events chan<- core.IEvent) error {
	if d.config.APIKey == "" {
		return fmt.Errorf("deepgram API key is required")
	}

	wsURL, err := d.buildWebSocketURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	headers := http.Header{"Authorization": {"Token " + d.config.APIKey}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to Deepgram (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	d.conn = conn
	d.events = events
	d.ctx = ctx
	d.logger.Info("recognition stream open", "model", d.config.Model)

	d.wg.Add(2)
	go d.listen()
	go d.keepAlive()
	return nil
}

// SendTranscriptionAudio forwards one raw frame as a binary message.
func (d *DeepgramSTTService) SendTranscriptionAudio(audio []byte) error {
	if d.conn == nil {
		return core.ErrChannelClosed
	}
	select {
	case <-d.closing:
		return core.ErrChannelClosed
	default:
	}

	d.connMu.Lock()
	err := d.conn.WriteMessage(websocket.BinaryMessage, audio)
	d.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// Cleanup sends CloseStream and releases the socket.
func (d *DeepgramSTTService) Cleanup() error {
	if d.conn == nil {
		return nil
	}
	var err error
	d.closeOnce.Do(func() {
		_ = d.writeControl("CloseStream")
		close(d.closing)
		err = d.conn.Close()
	})
	d.wg.Wait()
	return err
}

func (d *DeepgramSTTService) writeControl(kind string) error {
	msg, err := sonic.Marshal(ListenV1Control{Type: kind})
	if err != nil {
		return err
	}
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.conn.WriteMessage(websocket.TextMessage, msg)
}

func (d *DeepgramSTTService) listen() {
	defer d.wg.Done()

	var cause error
	for {
		messageType, message, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.closing:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
					cause = fmt.Errorf("deepgram stream: %w", err)
				}
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := d.handleMessage(message); err != nil {
			d.logger.Warn("failed to handle message", "error", err)
		}
	}

	d.logger.Info("recognition stream closed", "error", cause)
	d.emit(&sttevents.RecognitionClosedEvent{Err: cause})
}

func (d *DeepgramSTTService) emit(evt core.IEvent) {
	select {
	case d.events <- evt:
	case <-d.ctx.Done():
	}
}

func (d *DeepgramSTTService) buildWebSocketURL() (string, error) {
	base, err := url.Parse(d.config.BaseURL + "/v1/listen")
	if err != nil {
		return "", err
	}

	q := base.Query()
	if d.config.Model != "" {
		q.Set("model", d.config.Model)
	}
	if d.config.Language != "" {
		q.Set("language", d.config.Language)
	}
	q.Set("encoding", d.config.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	q.Set("channels", strconv.Itoa(d.config.Channels))
	q.Set("interim_results", strconv.FormatBool(d.config.InterimResults))
	q.Set("punctuate", strconv.FormatBool(d.config.Punctuate))
	q.Set("smart_format", strconv.FormatBool(d.config.SmartFormat))
	q.Set("vad_events", strconv.FormatBool(d.config.VadEvents))
	if d.config.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(d.config.Endpointing))
	}
	if d.config.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(d.config.UtteranceEndMs))
	}
	for _, keyword := range d.config.Keywords {
		q.Add("keywords", keyword)
	}
	for key, value := range d.config.Extra {
		q.Set(key, value)
	}

	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (d *DeepgramSTTService) handleMessage(message []byte) error {
	var base struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(message, &base); err != nil {
		return fmt.Errorf("failed to parse message type: %w", err)
	}

	switch base.Type {
	case "Results":
		var result ListenV1Results
		if err := sonic.Unmarshal(message, &result); err != nil {
			return fmt.Errorf("failed to parse results: %w", err)
		}
		d.processResults(result)

	case "SpeechStarted":
		var started ListenV1SpeechStarted
		if err := sonic.Unmarshal(message, &started); err != nil {
			return fmt.Errorf("failed to parse speech started: %w", err)
		}
		d.emit(&sttevents.SpeechStartedEvent{Timestamp: started.Timestamp})

	case "UtteranceEnd":
		var end ListenV1UtteranceEnd
		if err := sonic.Unmarshal(message, &end); err != nil {
			return fmt.Errorf("failed to parse utterance end: %w", err)
		}
		d.emit(&sttevents.UtteranceEndEvent{LastWordEnd: end.LastWordEnd})

	case "Metadata":
		var metadata ListenV1Metadata
		if err := sonic.Unmarshal(message, &metadata); err != nil {
			return fmt.Errorf("failed to parse metadata: %w", err)
		}
		d.logger.Debug("metadata", "request_id", metadata.RequestID)

	case "Error":
		var failure ListenV1Error
		if err := sonic.Unmarshal(message, &failure); err != nil {
			return fmt.Errorf("failed to parse error: %w", err)
		}
		d.emit(&sttevents.RecognitionErrorEvent{
			Err: core.NewProviderError("deepgram", "listen", errors.New(failure.Description+" "+failure.Message)),
		})

	default:
		d.logger.Debug("unknown message type", "type", base.Type)
	}
	return nil
}

func (d *DeepgramSTTService) processResults(result ListenV1Results) {
	if len(result.Channel.Alternatives) == 0 {
		return
	}
	alt := result.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	if result.IsFinal || result.FromFinalize {
		d.logger.Debug("final result", "text", alt.Transcript, "speech_final", result.SpeechFinal)
		d.emit(&sttevents.FinalTranscriptEvent{
			Text:        alt.Transcript,
			Confidence:  alt.Confidence,
			SpeechFinal: result.SpeechFinal,
		})
		return
	}
	d.emit(&sttevents.InterimTranscriptEvent{Text: alt.Transcript})
}

// keepAlive stops Deepgram from closing the stream during long silences.
func (d *DeepgramSTTService) keepAlive() {
	defer d.wg.Done()
	if d.config.KeepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.closing:
			return
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.writeControl("KeepAlive"); err != nil {
				d.logger.Debug("keep-alive failed", "error", err)
			}
		}
	}
}
