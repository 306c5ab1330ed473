package twilio

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"callrelay/core"
	"callrelay/handlers/transport"
	chattransport "callrelay/transports/websocket"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ChatHandler runs one text chat connection until it ends.
type ChatHandler func(svc *chattransport.ChatService, ctx context.Context) error

// TwilioTransportProvider serves the call setup webhook, the media stream
// WebSocket, the optional text chat socket and health probes.
type TwilioTransportProvider struct {
	config      *Config
	logger      *core.Logger
	server      *http.Server
	mux         *http.ServeMux
	upgrader    websocket.Upgrader
	jobHandler  func(svc transport.ITransportService, ctx context.Context) error
	chatHandler ChatHandler
	mu          sync.RWMutex
	isRunning   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	connections   map[string]*TwilioTransportService
	connectionsMu sync.RWMutex
}

// NewTwilioTransportProvider creates a new Twilio transport provider
func NewTwilioTransportProvider(config *Config, logger *core.Logger) *TwilioTransportProvider {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true // media streams come from Twilio, not browsers
		},
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &TwilioTransportProvider{
		config:      config,
		logger:      logger.With(map[string]interface{}{"component": "twilio_provider"}),
		mux:         http.NewServeMux(),
		upgrader:    upgrader,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		connections: make(map[string]*TwilioTransportService),
	}

	p.mux.HandleFunc(config.WebhookPath, p.handleWebhook)
	p.mux.HandleFunc(config.Path, p.handleWebSocket)
	if config.ChatPath != "" {
		p.mux.HandleFunc(config.ChatPath, p.handleChat)
	}
	p.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	p.mux.HandleFunc("/readyz", p.handleReady)
	return p
}

// Handle mounts an extra handler, e.g. a metrics endpoint.
func (p *TwilioTransportProvider) Handle(pattern string, handler http.Handler) {
	p.mux.Handle(pattern, handler)
}

// Handler exposes the routes without starting a listener.
func (p *TwilioTransportProvider) Handler() http.Handler {
	return p.mux
}

// Start implements ITransportProvider.Start
func (p *TwilioTransportProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("provider already running")
	}

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.Port),
		Handler: p.mux,
	}

	go func() {
		var err error
		if p.config.EnableTLS {
			err = p.server.ListenAndServeTLS(p.config.TLSCertFile, p.config.TLSKeyFile)
		} else {
			err = p.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			p.logger.Error("server error", "error", err)
		}
	}()

	p.isRunning = true
	p.logger.Info("listening",
		"port", p.config.Port,
		"stream_path", p.config.Path,
		"webhook_path", p.config.WebhookPath,
	)
	return nil
}

// Stop implements ITransportProvider.Stop
func (p *TwilioTransportProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}

	p.baseCancel()

	p.connectionsMu.Lock()
	for _, conn := range p.connections {
		conn.Close()
	}
	p.connections = make(map[string]*TwilioTransportService)
	p.connectionsMu.Unlock()

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("error shutting down server: %w", err)
		}
	}

	p.isRunning = false
	return nil
}

// RegisterJobHandler implements ITransportProvider.RegisterJobHandler
func (p *TwilioTransportProvider) RegisterJobHandler(
	handler func(svc transport.ITransportService, ctx context.Context) error,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	p.jobHandler = handler
	return nil
}

func (p *TwilioTransportProvider) RegisterChatHandler(handler ChatHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	p.chatHandler = handler
	return nil
}

// handleWebSocket runs one call on an upgraded media stream connection.
func (p *TwilioTransportProvider) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	jobHandler := p.jobHandler
	p.mu.RUnlock()
	if jobHandler == nil {
		http.Error(w, "no call handler registered", http.StatusServiceUnavailable)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("failed to upgrade media stream", "error", err)
		return
	}
	conn.SetReadLimit(p.config.MaxMessageSize)

	id := uuid.NewString()
	svc := NewTwilioTransportService(id, conn, p.config, p.logger)

	p.connectionsMu.Lock()
	p.connections[id] = svc
	p.connectionsMu.Unlock()

	defer func() {
		p.connectionsMu.Lock()
		delete(p.connections, id)
		p.connectionsMu.Unlock()
		svc.Close()
	}()

	ctx, cancel := context.WithCancel(p.baseCtx)
	defer cancel()

	if err := jobHandler(svc, ctx); err != nil {
		p.logger.Warn("call ended with error", "connection_id", id, "error", err)
	}
}

func (p *TwilioTransportProvider) handleChat(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	chatHandler := p.chatHandler
	p.mu.RUnlock()
	if chatHandler == nil {
		http.NotFound(w, r)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("failed to upgrade chat", "error", err)
		return
	}
	conn.SetReadLimit(p.config.MaxMessageSize)

	svc := chattransport.NewChatService(conn, p.config.WriteTimeout)
	defer svc.Close()

	ctx, cancel := context.WithCancel(p.baseCtx)
	defer cancel()

	if err := chatHandler(svc, ctx); err != nil {
		p.logger.Warn("chat ended with error", "error", err)
	}
}

func (p *TwilioTransportProvider) handleReady(w http.ResponseWriter, _ *http.Request) {
	p.mu.RLock()
	ready := p.jobHandler != nil && p.baseCtx.Err() == nil
	p.mu.RUnlock()
	if !ready {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// GetActiveConnections returns the number of live media streams
func (p *TwilioTransportProvider) GetActiveConnections() int {
	p.connectionsMu.RLock()
	defer p.connectionsMu.RUnlock()
	return len(p.connections)
}
