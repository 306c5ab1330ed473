package factories

import (
	"context"
	"errors"
	"time"

	"callrelay/core"
	"callrelay/handlers/transport"
)

// PipelineConfig configures a Pipeline's per-call behaviour.
type PipelineConfig struct {
	// MaxCallDuration ends a call with reason "max_duration". Zero disables it.
	MaxCallDuration time.Duration
	// LogDir, when set, receives one JSON-lines log file per call.
	LogDir string
}

// Pipeline turns each accepted media stream into a running StreamSession.
type Pipeline struct {
	config      PipelineConfig
	session     SessionConfig
	sessionAPI  *SessionAPIConfig
	keys        APIKeys
	instruments Instruments
	logger      *core.Logger
}

// NewPipeline builds sessions from settings. When settings.SessionAPI is
// set the session config is fetched per call and keys are injected into it.
func NewPipeline(settings SettingsConfig, keys APIKeys, instruments Instruments, logger *core.Logger) *Pipeline {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Pipeline{
		config: PipelineConfig{
			MaxCallDuration: settings.MaxCallDuration(),
			LogDir:          settings.Logging.Dir,
		},
		session:     settings.Session,
		sessionAPI:  settings.SessionAPI,
		keys:        keys,
		instruments: instruments,
		logger:      logger,
	}
}

func (p *Pipeline) sessionConfig(ctx context.Context) (SessionConfig, error) {
	if p.sessionAPI == nil {
		return p.session, nil
	}
	cfg, err := p.sessionAPI.Fetch(ctx)
	if err != nil {
		return SessionConfig{}, err
	}
	cfg.InjectAPIKeys(p.keys)
	if err := cfg.Validate(); err != nil {
		return SessionConfig{}, err
	}
	return cfg, nil
}

type identified interface {
	ID() string
}

// Run drives a single call and blocks until it ends.
func (p *Pipeline) Run(svc transport.ITransportService, ctx context.Context) error {
	base := core.SessionLoggerFromContext(ctx)
	if base == nil {
		base = p.logger
	}

	select {
	case <-ctx.Done():
		base.Info("context already cancelled, skipping call")
		return nil
	default:
	}
	if svc == nil {
		base.Warn("nil transport service, skipping call")
		return nil
	}

	if p.config.LogDir != "" {
		if id, ok := svc.(identified); ok {
			writer, err := core.NewCallLogWriter(p.config.LogDir, id.ID(), "")
			if err != nil {
				base.Warn("call log unavailable", "error", err)
			} else {
				defer writer.Close()
				base = core.NewSessionLogger(base, writer).With(map[string]interface{}{"connection_id": id.ID()})
				ctx = core.ContextWithSessionLogger(ctx, base)
			}
		}
	}
	logger := base.With(map[string]interface{}{"component": "pipeline"})

	cfg, err := p.sessionConfig(ctx)
	if err != nil {
		logger.Error("failed to resolve session config", "error", err)
		return err
	}
	session, err := cfg.BuildStreamSession(svc, p.instruments, base)
	if err != nil {
		logger.Error("failed to build session", "error", err)
		return err
	}

	if p.config.MaxCallDuration > 0 {
		timer := time.AfterFunc(p.config.MaxCallDuration, func() {
			logger.Warn("max call duration reached", "limit", p.config.MaxCallDuration.String())
			session.Dispatch(&core.EndCallEvent{Reason: "max_duration"})
		})
		defer timer.Stop()
	}

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	received := make(chan error, 1)
	go func() {
		received <- svc.StartReceiving(recvCtx, func(evt core.IEvent) {
			session.Dispatch(evt)
		})
	}()

	result := session.Run(ctx)

	cancelRecv()
	if err := svc.Close(); err != nil {
		logger.Debug("close after call", "error", err)
	}
	if err := <-received; err != nil && !errors.Is(err, core.ErrChannelClosed) {
		logger.Debug("receive loop ended", "error", err)
	}

	if errors.Is(result, context.Canceled) {
		return nil
	}
	return result
}

// Serve registers the call and chat handlers, starts provider and blocks
// until ctx is cancelled. It then stops the provider.
func (p *Pipeline) Serve(provider transport.ITransportProvider, ctx context.Context) error {
	logger := p.logger.With(map[string]interface{}{"component": "pipeline"})

	if err := provider.RegisterJobHandler(func(svc transport.ITransportService, jobCtx context.Context) error {
		return p.Run(svc, jobCtx)
	}); err != nil {
		logger.Error("failed to register job handler", "error", err)
		return err
	}
	if chat, ok := provider.(chatRegistrar); ok {
		if err := chat.RegisterChatHandler(p.ChatHandler()); err != nil {
			logger.Warn("failed to register chat handler", "error", err)
		}
	}

	if err := provider.Start(); err != nil {
		logger.Error("provider failed to start", "error", err)
		return err
	}

	logger.Info("provider started, waiting for calls")
	<-ctx.Done()

	logger.Info("stopping provider")
	if err := provider.Stop(); err != nil {
		logger.Error("error stopping provider", "error", err)
	}
	return nil
}
