package twilio

import "time"

// Config holds the configuration for the Twilio media stream server.
type Config struct {
	// HTTP listen port
	Port int `yaml:"port" json:"port" default:"8080"`

	// Media stream WebSocket path
	Path string `yaml:"path" json:"path" default:"/ws/voice"`

	// Call setup webhook path
	WebhookPath string `yaml:"webhook_path" json:"webhook_path" default:"/webhook"`

	// Text chat WebSocket path, empty disables it
	ChatPath string `yaml:"chat_path" json:"chat_path" default:"/ws/chat"`

	// Host put in the TwiML stream URL. Falls back to the request Host.
	PublicHost string `yaml:"public_host" json:"public_host"`

	// Validate X-Twilio-Signature on webhook requests
	EnableAuth bool `yaml:"enable_auth" json:"enable_auth" default:"false"`

	// Account auth token used for signature validation
	AuthToken string `yaml:"auth_token" json:"auth_token"`

	ReadBufferSize  int   `yaml:"read_buffer_size" json:"read_buffer_size" default:"4096"`
	WriteBufferSize int   `yaml:"write_buffer_size" json:"write_buffer_size" default:"4096"`
	MaxMessageSize  int64 `yaml:"max_message_size" json:"max_message_size" default:"65536"`

	// Deadline for a single outbound frame write
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" default:"5s"`

	// How long Stop waits for in-flight requests
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" default:"10s"`

	EnableTLS   bool   `yaml:"enable_tls" json:"enable_tls" default:"false"`
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		Path:            "/ws/voice",
		WebhookPath:     "/webhook",
		ChatPath:        "/ws/chat",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  65536,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}
