package bus

import (
	"fmt"
	"time"

	"callrelay/core"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs a NATS server inside the process for single-node
// deployments.
type EmbeddedServer struct {
	ns     *server.Server
	logger *core.Logger
}

// StartEmbedded starts a server on cfg.Port, or a random port when it is
// negative. It returns nil when embedded mode is off.
func StartEmbedded(cfg Config, logger *core.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	logger = logger.With(map[string]interface{}{"component": "nats_embedded"})
	logger.Info("embedded NATS server started", "url", ns.ClientURL())
	return &EmbeddedServer{ns: ns, logger: logger}, nil
}

// ClientURL is the address clients should connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.logger.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
