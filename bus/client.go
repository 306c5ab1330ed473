package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"callrelay/core"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
)

type Config struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Embedded       bool     `json:"embedded" yaml:"embedded"`
	Port           int      `json:"port" yaml:"port"`
	Servers        []string `json:"servers" yaml:"servers"`
	Username       string   `json:"username" yaml:"username"`
	Password       string   `json:"password" yaml:"password"`
	Token          string   `json:"token" yaml:"token"`
	TLSInsecure    bool     `json:"tls_insecure" yaml:"tls_insecure"`
	ConnectTimeout int      `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `json:"subject_prefix" yaml:"subject_prefix"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Embedded:       false,
		Port:           4222,
		Servers:        []string{"nats://localhost:4222"},
		ConnectTimeout: 2000,
		SubjectPrefix:  "callrelay",
	}
}

// Client is a NATS connection used to publish call events.
type Client struct {
	conn   *nats.Conn
	logger *core.Logger
}

func Connect(ctx context.Context, cfg Config, logger *core.Logger) (*Client, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	options := []nats.Option{
		nats.Name("callrelay"),
		nats.Timeout(timeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger = logger.With(map[string]interface{}{"component": "bus"})
	logger.Info("connected to NATS", "servers", url)
	return &Client{conn: conn, logger: logger}, nil
}

// Publish sends v as JSON on subject.
func (c *Client) Publish(subject string, v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.logger.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
