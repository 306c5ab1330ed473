package factories

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"callrelay/bus"
	"callrelay/core"
	"callrelay/storage/calllog"
	"callrelay/telemetry"
	"callrelay/transports/twilio"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

const DefaultSettingsPath = "./settings.json"

// SessionAPIConfig describes an HTTP endpoint that returns a SessionConfig
// JSON payload. It is called once per call so the prompt and providers can
// change without a restart.
type SessionAPIConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// Body is sent verbatim as JSON when set.
	Body           string `json:"body,omitempty" yaml:"body,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Fetch calls the endpoint and parses the response on top of the defaults.
func (c *SessionAPIConfig) Fetch(ctx context.Context) (SessionConfig, error) {
	method := c.Method
	if method == "" {
		method = http.MethodGet
		if c.Body != "" {
			method = http.MethodPost
		}
	}
	timeout := time.Duration(c.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.URL, bytes.NewReader([]byte(c.Body)))
	if err != nil {
		return SessionConfig{}, fmt.Errorf("session api: %w", err)
	}
	if c.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("session api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SessionConfig{}, fmt.Errorf("session api: unexpected status %d from %s", resp.StatusCode, c.URL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SessionConfig{}, fmt.Errorf("session api: read response: %w", err)
	}
	return SessionConfigFromJSON(data)
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	// Format is "console" or "json".
	Format string `json:"format" yaml:"format"`
	// Dir, when set, receives one JSON-lines file per call.
	Dir string `json:"dir" yaml:"dir"`
}

// SettingsConfig is the top-level config loaded from settings.json or
// settings.yaml.
type SettingsConfig struct {
	Transport twilio.Config `json:"transport" yaml:"transport"`
	Session   SessionConfig `json:"session" yaml:"session"`
	// SessionAPI, when set, replaces Session with a per-call fetch.
	SessionAPI *SessionAPIConfig `json:"session_api,omitempty" yaml:"session_api,omitempty"`

	Logging   LoggingConfig    `json:"logging" yaml:"logging"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
	CallLog   calllog.Config   `json:"call_log" yaml:"call_log"`
	Bus       bus.Config       `json:"bus" yaml:"bus"`

	// MaxCallDurationSeconds ends calls that run longer. Zero disables it.
	MaxCallDurationSeconds int `json:"max_call_duration_seconds" yaml:"max_call_duration_seconds"`
}

func DefaultSettingsConfig() SettingsConfig {
	return SettingsConfig{
		Transport:              *twilio.DefaultConfig(),
		Session:                DefaultSessionConfig(),
		Logging:                LoggingConfig{Level: "info", Format: "console"},
		Telemetry:              telemetry.DefaultConfig(),
		CallLog:                calllog.DefaultConfig(),
		Bus:                    bus.DefaultConfig(),
		MaxCallDurationSeconds: 3600,
	}
}

// SettingsConfigFromJSON parses a JSON blob on top of the defaults.
func SettingsConfigFromJSON(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

// SettingsConfigFromYAML parses a YAML document on top of the defaults.
func SettingsConfigFromYAML(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

// SettingsConfigFromFile picks the parser from the file extension.
func SettingsConfigFromFile(path string) (SettingsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSettingsConfig(), fmt.Errorf("settings: read %q: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return SettingsConfigFromYAML(data)
	default:
		return SettingsConfigFromJSON(data)
	}
}

// LoadSettings reads SETTINGS_JSON_B64 or the file at SETTINGS_PATH, falls
// back to defaults when no file exists, then applies CALLRELAY_* overrides,
// injects API keys from the environment and validates.
func LoadSettings(logger *core.Logger) (SettingsConfig, error) {
	if logger == nil {
		logger = core.GetLogger()
	}

	var (
		cfg SettingsConfig
		err error
	)
	if b64 := os.Getenv("SETTINGS_JSON_B64"); b64 != "" {
		data, decErr := base64.StdEncoding.DecodeString(b64)
		if decErr != nil {
			return DefaultSettingsConfig(), fmt.Errorf("settings: decode SETTINGS_JSON_B64: %w", decErr)
		}
		if cfg, err = SettingsConfigFromJSON(data); err != nil {
			return DefaultSettingsConfig(), err
		}
		logger.Info("loaded settings from SETTINGS_JSON_B64")
	} else {
		path := os.Getenv("SETTINGS_PATH")
		if path == "" {
			path = DefaultSettingsPath
		}
		cfg, err = SettingsConfigFromFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("settings file not found, using defaults", "path", path)
			cfg = DefaultSettingsConfig()
		case err != nil:
			return cfg, err
		default:
			logger.Info("loaded settings", "path", path)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Session.InjectAPIKeys(APIKeysFromEnv())
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *SettingsConfig) {
	overrideInt(&cfg.Transport.Port, "CALLRELAY_PORT")
	overrideString(&cfg.Transport.Path, "CALLRELAY_STREAM_PATH")
	overrideString(&cfg.Transport.WebhookPath, "CALLRELAY_WEBHOOK_PATH")
	overrideString(&cfg.Transport.PublicHost, "CALLRELAY_PUBLIC_HOST")
	overrideBool(&cfg.Transport.EnableAuth, "CALLRELAY_ENABLE_AUTH")
	overrideString(&cfg.Transport.AuthToken, "TWILIO_AUTH_TOKEN")
	overrideString(&cfg.Logging.Level, "CALLRELAY_LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "CALLRELAY_LOG_FORMAT")
	overrideString(&cfg.Logging.Dir, "CALLRELAY_LOG_DIR")
	overrideInt(&cfg.MaxCallDurationSeconds, "CALLRELAY_MAX_CALL_DURATION_SECONDS")
	overrideInt(&cfg.Session.MaxPendingTurns, "CALLRELAY_MAX_PENDING_TURNS")
	overrideInt(&cfg.Session.ProviderTimeoutSeconds, "CALLRELAY_PROVIDER_TIMEOUT_SECONDS")
	overrideString(&cfg.Session.Conversation.SystemPrompt, "CALLRELAY_SYSTEM_PROMPT")
	overrideString(&cfg.Session.Conversation.Greeting, "CALLRELAY_GREETING")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CALLRELAY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CALLRELAY_OTLP_INSECURE")
	overrideBool(&cfg.CallLog.Enabled, "CALLRELAY_CALL_LOG_ENABLED")
	overrideString(&cfg.CallLog.Path, "CALLRELAY_CALL_LOG_PATH")
	overrideInt(&cfg.CallLog.RetentionDays, "CALLRELAY_CALL_LOG_RETENTION_DAYS")
	overrideBool(&cfg.Bus.Enabled, "CALLRELAY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CALLRELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CALLRELAY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CALLRELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Token, "CALLRELAY_BUS_TOKEN")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	if len(trimmed) > 0 {
		*target = trimmed
	}
}

func (c SettingsConfig) Validate() error {
	t := c.Transport
	if t.Port <= 0 || t.Port > 65535 {
		return errors.New("transport.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(t.Path, "/") || !strings.HasPrefix(t.WebhookPath, "/") {
		return errors.New("transport.path and transport.webhook_path must start with /")
	}
	if t.EnableAuth && t.AuthToken == "" {
		return errors.New("transport.auth_token must be set when enable_auth is on")
	}
	if t.EnableTLS && (t.TLSCertFile == "" || t.TLSKeyFile == "") {
		return errors.New("transport.tls_cert_file and tls_key_file must be set when enable_tls is on")
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return errors.New("logging.format must be one of console|json")
	}
	if c.MaxCallDurationSeconds < 0 {
		return errors.New("max_call_duration_seconds must be >= 0")
	}

	if c.SessionAPI != nil {
		if c.SessionAPI.URL == "" {
			return errors.New("session_api.url must not be empty")
		}
	} else if err := c.Session.Validate(); err != nil {
		return err
	}

	if c.CallLog.Enabled {
		if c.CallLog.Path == "" {
			return errors.New("call_log.path must not be empty when enabled")
		}
		if c.CallLog.RetentionDays < 0 {
			return errors.New("call_log.retention_days must be >= 0")
		}
	}

	if c.Bus.Enabled {
		if c.Bus.Embedded {
			if c.Bus.Port <= 0 || c.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(c.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}

// MaxCallDuration converts the configured limit.
func (c SettingsConfig) MaxCallDuration() time.Duration {
	return time.Duration(c.MaxCallDurationSeconds) * time.Second
}
