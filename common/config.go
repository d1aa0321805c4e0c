package common

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ===============================================================================
// Event Stream Related Config

// EventStreamConfig defines parameters controlling the event distribution core
type EventStreamConfig struct {
	// HeartbeatInterval is the duration between keep-alive frames in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// InactivityTimeout is the max duration a connection can go without a
	// successful write before the reaper evicts it, in seconds
	InactivityTimeout int `mapstructure:"inactivity_timeout_sec" json:"inactivity_timeout_sec" validate:"gte=2"`
	// MaxConnections is the process-wide cap on concurrent connections
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"gte=1"`
	// NotificationBuffer is the lifecycle notification queue depth
	NotificationBuffer int `mapstructure:"notification_buffer" json:"notification_buffer" validate:"gte=1"`
}

// HeartbeatIntervalDur heartbeat interval as time.Duration
func (c EventStreamConfig) HeartbeatIntervalDur() time.Duration {
	return time.Second * time.Duration(c.HeartbeatInterval)
}

// InactivityTimeoutDur inactivity timeout as time.Duration
func (c EventStreamConfig) InactivityTimeoutDur() time.Duration {
	return time.Second * time.Duration(c.InactivityTimeout)
}

// ===============================================================================
// Auth Related Config

// AuthConfig defines parameters for the bearer token verifier
type AuthConfig struct {
	// Mode selects the verification mode: "dev" trusts `subscriber:role`
	// formatted tokens, "hmac" verifies HS256 signed JWTs
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=dev hmac"`
	// HMACSecret is the HS256 signing secret. Required in "hmac" mode.
	HMACSecret string `mapstructure:"hmac_secret" json:"-"`
	// SubjectClaim is the JWT claim carrying the subscriber identity
	SubjectClaim string `mapstructure:"subject_claim" json:"subject_claim" validate:"required"`
	// CacheTTL is how long a verified token is cached in seconds
	CacheTTL int `mapstructure:"cache_ttl_sec" json:"cache_ttl_sec" validate:"gte=0"`
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
	// means there will be no timeout. Must stay zero here or the
	// long-lived event streams are cut off mid flight.
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
// API Server Related Config

// APIEndpointConfig defines API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the API server
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the event stream server
type SystemConfig struct {
	// EventStream are the event distribution core parameters
	EventStream EventStreamConfig `mapstructure:"event_stream" json:"event_stream" validate:"required,dive"`
	// Auth are the bearer token verifier parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// API are the API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default event stream settings
	viper.SetDefault("event_stream.heartbeat_interval_sec", 30)
	viper.SetDefault("event_stream.inactivity_timeout_sec", 60)
	viper.SetDefault("event_stream.max_connections", 1000)
	viper.SetDefault("event_stream.notification_buffer", 64)

	// Default auth settings
	viper.SetDefault("auth.mode", "dev")
	viper.SetDefault("auth.subject_claim", "sub")
	viper.SetDefault("auth.cache_ttl_sec", 300)

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Ssepush-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// ValidateSystemConfig validate the system config, covering cross-parameter
// constraints the struct tags can not express.
//
// The inactivity timeout must be at least twice the heartbeat interval;
// otherwise the reaper would evict healthy connections faster than the
// heartbeat loop can refresh them.
func ValidateSystemConfig(validate *validator.Validate, config *SystemConfig) error {
	if err := validate.Struct(config); err != nil {
		return err
	}
	if config.EventStream.InactivityTimeout < 2*config.EventStream.HeartbeatInterval {
		return fmt.Errorf(
			"inactivity_timeout_sec [%d] must be >= 2 * heartbeat_interval_sec [%d]",
			config.EventStream.InactivityTimeout,
			config.EventStream.HeartbeatInterval,
		)
	}
	if config.Auth.Mode == "hmac" && len(config.Auth.HMACSecret) == 0 {
		return fmt.Errorf("auth mode 'hmac' requires a signing secret")
	}
	return nil
}
