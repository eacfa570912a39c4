package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// FanoutConfig defines the cross-instance notification fan-out through NATS
type FanoutConfig struct {
	// Enabled whether notifications are exchanged with other relay instances
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// SubjectPrefix is the NATS subject prefix notifications are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,alphanum"`
	// NATS are the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// WebSocketConfig defines the per connection socket parameters
type WebSocketConfig struct {
	// IdentityHeader is the HTTP header the session layer uses to pass the user identity
	IdentityHeader string `mapstructure:"identity_header" json:"identity_header"`
	// ReadLimit is the max size of one inbound message in bytes
	ReadLimit int64 `mapstructure:"read_limit_bytes" json:"read_limit_bytes" validate:"gte=128"`
	// SendBufferSize is the depth of the per connection outbound message queue
	SendBufferSize int `mapstructure:"send_buffer_size" json:"send_buffer_size" validate:"gte=1"`
	// WriteTimeout is the deadline for one write to a client in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PongWait is how long to wait for a pong before treating the connection as dead
	// in seconds
	PongWait int `mapstructure:"pong_wait_sec" json:"pong_wait_sec" validate:"gte=2"`
	// AllowClientNotify whether clients may emit notifications over the socket
	AllowClientNotify bool `mapstructure:"allow_client_notify" json:"allow_client_notify"`
}

// ProducerConfig defines the notification producer event loop parameters
type ProducerConfig struct {
	// Workers is the number of parallel delivery workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueDepth is the depth of each worker's task queue
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
	// SubmitTimeout is the max time a producer waits for queue space in milliseconds
	SubmitTimeout int `mapstructure:"submit_timeout_ms" json:"submit_timeout_ms" validate:"gte=1"`
}

// RelayServerConfig defines configuration for the relay server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// WebSocket are the per connection socket parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// Producer are the notification producer parameters
	Producer ProducerConfig `mapstructure:"producer" json:"producer" validate:"required,dive"`
	// StatsInterval is the interval between registry stats reports in seconds
	StatsInterval int `mapstructure:"stats_interval_sec" json:"stats_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Client Related Config

// ClientConfig defines configuration for a relay subscriber client
type ClientConfig struct {
	// ServerURL is the relay socket URL
	ServerURL string `mapstructure:"server_url" json:"server_url" validate:"required,url"`
	// MaxReconnectAttempts is the number of reconnect attempts before going offline
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts" validate:"gte=0"`
	// ReconnectDelay is the fixed delay between reconnect attempts in milliseconds
	ReconnectDelay int `mapstructure:"reconnect_delay_ms" json:"reconnect_delay_ms" validate:"gte=1"`
	// HandshakeTimeout is the max duration of the socket handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// ReadTimeout is how long the relay may stay silent, pings included, before the
	// connection is treated as dead, in seconds. 0 disables the check.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// InboxSize is the max number of notifications kept by the client
	InboxSize int `mapstructure:"inbox_size" json:"inbox_size" validate:"gte=1"`
	// IdentityHeader is the HTTP header the user identity is sent in during the handshake
	IdentityHeader string `mapstructure:"identity_header" json:"identity_header"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either the relay server or client
type SystemConfig struct {
	// Fanout are the cross-instance fan-out config parameters
	Fanout FanoutConfig `mapstructure:"fanout" json:"fanout" validate:"required,dive"`
	// Relay are the relay server configs
	Relay *RelayServerConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
	// Client are the subscriber client configs
	Client *ClientConfig `mapstructure:"client,omitempty" json:"client,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default fan-out settings
	viper.SetDefault("fanout.enabled", false)
	viper.SetDefault("fanout.subject_prefix", "classrelay")
	viper.SetDefault("fanout.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("fanout.nats.connect_timeout_sec", 30)
	viper.SetDefault("fanout.nats.reconnect.max_attempts", -1)
	viper.SetDefault("fanout.nats.reconnect.wait_interval_sec", 15)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 5000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Classrelay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("relay.websocket.identity_header", "Classrelay-User-ID")
	viper.SetDefault("relay.websocket.read_limit_bytes", 4096)
	viper.SetDefault("relay.websocket.send_buffer_size", 32)
	viper.SetDefault("relay.websocket.write_timeout_sec", 10)
	viper.SetDefault("relay.websocket.pong_wait_sec", 60)
	viper.SetDefault("relay.websocket.allow_client_notify", true)
	viper.SetDefault("relay.producer.workers", 4)
	viper.SetDefault("relay.producer.queue_depth", 64)
	viper.SetDefault("relay.producer.submit_timeout_ms", 1000)
	viper.SetDefault("relay.stats_interval_sec", 60)

	// Default client settings
	viper.SetDefault("client.server_url", "ws://127.0.0.1:5000/v1/socket")
	viper.SetDefault("client.max_reconnect_attempts", 5)
	viper.SetDefault("client.reconnect_delay_ms", 1000)
	viper.SetDefault("client.handshake_timeout_sec", 10)
	// Longer than the relay ping period under relay.websocket.pong_wait_sec
	viper.SetDefault("client.read_timeout_sec", 75)
	viper.SetDefault("client.inbox_size", 50)
	viper.SetDefault("client.identity_header", "Classrelay-User-ID")
}
