package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is returned when neither a Gemini API key nor a
// Vertex AI project is configured.
var ErrMissingCredentials = errors.New("missing model credentials: set GOOGLE_API_KEY or GOOGLE_CLOUD_PROJECT")

type Config struct {
	Addr   string `yaml:"addr"`
	WSPath string `yaml:"ws_path"`

	// Allowed websocket/CORS origins. "*" allows any origin.
	AllowedOrigins map[string]struct{} `yaml:"-"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Per-client limits keyed by remote address. Zero disables a limit.
	RateLimitRPS         float64 `yaml:"rate_limit_rps"`
	RateLimitBurst       int     `yaml:"rate_limit_burst"`
	MaxSessionsPerClient int     `yaml:"max_sessions_per_client"`

	// Take the client address from CF-Connecting-IP, X-Real-IP or
	// X-Forwarded-For. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	// Signal sessions.
	MaxSessions            int           `yaml:"max_sessions"`
	MaxFrameBytes          int64         `yaml:"max_frame_bytes"`
	AudioThresholdBytes    int           `yaml:"audio_threshold_bytes"`
	AudioMIMEType          string        `yaml:"audio_mime_type"`
	MaxAudioFPS            int           `yaml:"max_audio_fps"`
	MaxAudioBytesPerSecond int64         `yaml:"max_audio_bytes_per_second"`
	InboundBurstSeconds    int           `yaml:"inbound_burst_seconds"`
	OutboundQueueSize      int           `yaml:"outbound_queue_size"`
	WSPingInterval         time.Duration `yaml:"ws_ping_interval"`
	WSWriteTimeout         time.Duration `yaml:"ws_write_timeout"`
	WSReadTimeout          time.Duration `yaml:"ws_read_timeout"`

	// Dispatch.
	MaxInFlightDispatches int           `yaml:"max_in_flight_dispatches"`
	InferenceTimeout      time.Duration `yaml:"inference_timeout"`
	ClassifyTemperature   float32       `yaml:"classify_temperature"`
	CodeTemperature       float32       `yaml:"code_temperature"`

	// Model backend.
	Model          string `yaml:"model"`
	GoogleAPIKey   string `yaml:"-"`
	GoogleProject  string `yaml:"google_project"`
	GoogleLocation string `yaml:"google_location"`
	UseVertexAI    bool   `yaml:"use_vertex_ai"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Operational defaults.
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// Defaults returns the built-in configuration before any file or environment
// overrides are applied.
func Defaults() Config {
	return Config{
		Addr:                   ":8080",
		WSPath:                 "/ws-signal",
		AllowedOrigins:         map[string]struct{}{"*": {}},
		MaxBodyBytes:           256 << 10,
		MaxSessions:            256,
		MaxFrameBytes:          1 << 20,
		AudioThresholdBytes:    60000,
		AudioMIMEType:          "audio/webm",
		MaxAudioFPS:            0,
		MaxAudioBytesPerSecond: 0,
		InboundBurstSeconds:    2,
		OutboundQueueSize:      32,
		WSPingInterval:         20 * time.Second,
		WSWriteTimeout:         5 * time.Second,
		WSReadTimeout:          0,
		MaxInFlightDispatches:  16,
		InferenceTimeout:       30 * time.Second,
		ClassifyTemperature:    0.4,
		CodeTemperature:        0.2,
		Model:                  "gemini-3-pro-preview",
		GoogleLocation:         "global",
		LogLevel:               "info",
		LogFormat:              "text",
		ReadHeaderTimeout:      10 * time.Second,
		ReadTimeout:            30 * time.Second,
		ShutdownGracePeriod:    30 * time.Second,
	}
}

// LoadFromEnv builds a Config from defaults, the optional YAML file named by
// SIGNAL_CONFIG_FILE, and SIGNAL_* / GOOGLE_* environment variables, in that
// order of precedence (environment wins).
func LoadFromEnv() (Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("SIGNAL_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.Addr = envOr("SIGNAL_ADDR", cfg.Addr)
	cfg.WSPath = envOr("SIGNAL_WS_PATH", cfg.WSPath)
	if origins := splitCSV(os.Getenv("SIGNAL_ALLOWED_ORIGINS")); len(origins) > 0 {
		cfg.AllowedOrigins = make(map[string]struct{}, len(origins))
		for _, origin := range origins {
			cfg.AllowedOrigins[origin] = struct{}{}
		}
	}
	cfg.MaxBodyBytes = envInt64Or("SIGNAL_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.RateLimitRPS = envFloat64Or("SIGNAL_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = envIntOr("SIGNAL_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.MaxSessionsPerClient = envIntOr("SIGNAL_MAX_SESSIONS_PER_CLIENT", cfg.MaxSessionsPerClient)
	cfg.TrustProxyHeaders = envBoolOr("SIGNAL_TRUST_PROXY_HEADERS", cfg.TrustProxyHeaders)
	cfg.MaxSessions = envIntOr("SIGNAL_MAX_SESSIONS", cfg.MaxSessions)
	cfg.MaxFrameBytes = envInt64Or("SIGNAL_MAX_FRAME_BYTES", cfg.MaxFrameBytes)
	cfg.AudioThresholdBytes = envIntOr("SIGNAL_AUDIO_THRESHOLD_BYTES", cfg.AudioThresholdBytes)
	cfg.AudioMIMEType = envOr("SIGNAL_AUDIO_MIME_TYPE", cfg.AudioMIMEType)
	cfg.MaxAudioFPS = envIntOr("SIGNAL_MAX_AUDIO_FPS", cfg.MaxAudioFPS)
	cfg.MaxAudioBytesPerSecond = envInt64Or("SIGNAL_MAX_AUDIO_BPS", cfg.MaxAudioBytesPerSecond)
	cfg.InboundBurstSeconds = envIntOr("SIGNAL_INBOUND_BURST_SECONDS", cfg.InboundBurstSeconds)
	cfg.OutboundQueueSize = envIntOr("SIGNAL_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	cfg.WSPingInterval = envDurationOr("SIGNAL_WS_PING_INTERVAL", cfg.WSPingInterval)
	cfg.WSWriteTimeout = envDurationOr("SIGNAL_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadTimeout = envDurationOr("SIGNAL_WS_READ_TIMEOUT", cfg.WSReadTimeout)
	cfg.MaxInFlightDispatches = envIntOr("SIGNAL_MAX_IN_FLIGHT_DISPATCHES", cfg.MaxInFlightDispatches)
	cfg.InferenceTimeout = envDurationOr("SIGNAL_INFERENCE_TIMEOUT", cfg.InferenceTimeout)
	cfg.ClassifyTemperature = envFloat32Or("SIGNAL_CLASSIFY_TEMPERATURE", cfg.ClassifyTemperature)
	cfg.CodeTemperature = envFloat32Or("SIGNAL_CODE_TEMPERATURE", cfg.CodeTemperature)
	cfg.Model = envOr("SIGNAL_MODEL", cfg.Model)
	cfg.LogLevel = envOr("SIGNAL_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("SIGNAL_LOG_FORMAT", cfg.LogFormat)
	cfg.ReadHeaderTimeout = envDurationOr("SIGNAL_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = envDurationOr("SIGNAL_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("SIGNAL_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)

	cfg.GoogleAPIKey = envOr("GOOGLE_API_KEY", envOr("GEMINI_API_KEY", cfg.GoogleAPIKey))
	cfg.GoogleProject = envOr("GOOGLE_CLOUD_PROJECT", cfg.GoogleProject)
	cfg.GoogleLocation = envOr("GOOGLE_CLOUD_LOCATION", cfg.GoogleLocation)
	cfg.UseVertexAI = envBoolOr("GOOGLE_GENAI_USE_VERTEXAI", cfg.UseVertexAI)
	if cfg.GoogleAPIKey == "" && cfg.GoogleProject != "" {
		cfg.UseVertexAI = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and required credentials.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("SIGNAL_ADDR must not be empty")
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return fmt.Errorf("SIGNAL_WS_PATH must start with /")
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("SIGNAL_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("SIGNAL_MAX_SESSIONS must be > 0")
	}
	if cfg.RateLimitRPS < 0 || cfg.RateLimitBurst < 0 {
		return fmt.Errorf("SIGNAL_RATE_LIMIT_RPS and SIGNAL_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst < 1 {
		return fmt.Errorf("SIGNAL_RATE_LIMIT_BURST must be >= 1 when SIGNAL_RATE_LIMIT_RPS is set")
	}
	if cfg.MaxSessionsPerClient < 0 {
		return fmt.Errorf("SIGNAL_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.AudioThresholdBytes <= 0 {
		return fmt.Errorf("SIGNAL_AUDIO_THRESHOLD_BYTES must be > 0")
	}
	if cfg.MaxFrameBytes <= 0 {
		return fmt.Errorf("SIGNAL_MAX_FRAME_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.AudioMIMEType) == "" {
		return fmt.Errorf("SIGNAL_AUDIO_MIME_TYPE must not be empty")
	}
	if cfg.MaxAudioFPS < 0 {
		return fmt.Errorf("SIGNAL_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("SIGNAL_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("SIGNAL_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("SIGNAL_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("SIGNAL_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("SIGNAL_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return fmt.Errorf("SIGNAL_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.MaxInFlightDispatches <= 0 {
		return fmt.Errorf("SIGNAL_MAX_IN_FLIGHT_DISPATCHES must be > 0")
	}
	if cfg.InferenceTimeout <= 0 {
		return fmt.Errorf("SIGNAL_INFERENCE_TIMEOUT must be > 0")
	}
	if cfg.ClassifyTemperature < 0 || cfg.ClassifyTemperature > 2 {
		return fmt.Errorf("SIGNAL_CLASSIFY_TEMPERATURE must be within [0,2]")
	}
	if cfg.CodeTemperature < 0 || cfg.CodeTemperature > 2 {
		return fmt.Errorf("SIGNAL_CODE_TEMPERATURE must be within [0,2]")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return fmt.Errorf("SIGNAL_MODEL must not be empty")
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("SIGNAL_LOG_FORMAT must be one of text|json")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("SIGNAL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("SIGNAL_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("SIGNAL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UseVertexAI {
		if strings.TrimSpace(cfg.GoogleProject) == "" {
			return fmt.Errorf("%w (vertex ai needs GOOGLE_CLOUD_PROJECT)", ErrMissingCredentials)
		}
	} else if strings.TrimSpace(cfg.GoogleAPIKey) == "" {
		return ErrMissingCredentials
	}
	return nil
}

// OriginAllowed reports whether a browser Origin header is accepted. Requests
// without an Origin header are always allowed.
func (cfg Config) OriginAllowed(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	if _, ok := cfg.AllowedOrigins["*"]; ok {
		return true
	}
	_, ok := cfg.AllowedOrigins[origin]
	return ok
}

// ParseLogLevel maps a level name onto slog.Level.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("SIGNAL_LOG_LEVEL must be one of debug|info|warn|error")
	}
}

// fileConfig mirrors Config for YAML files. Pointer fields distinguish unset
// keys from zero values.
type fileConfig struct {
	Addr                   *string        `yaml:"addr"`
	WSPath                 *string        `yaml:"ws_path"`
	AllowedOrigins         []string       `yaml:"allowed_origins"`
	MaxBodyBytes           *int64         `yaml:"max_body_bytes"`
	RateLimitRPS           *float64       `yaml:"rate_limit_rps"`
	RateLimitBurst         *int           `yaml:"rate_limit_burst"`
	MaxSessionsPerClient   *int           `yaml:"max_sessions_per_client"`
	TrustProxyHeaders      *bool          `yaml:"trust_proxy_headers"`
	MaxSessions            *int           `yaml:"max_sessions"`
	MaxFrameBytes          *int64         `yaml:"max_frame_bytes"`
	AudioThresholdBytes    *int           `yaml:"audio_threshold_bytes"`
	AudioMIMEType          *string        `yaml:"audio_mime_type"`
	MaxAudioFPS            *int           `yaml:"max_audio_fps"`
	MaxAudioBytesPerSecond *int64         `yaml:"max_audio_bytes_per_second"`
	InboundBurstSeconds    *int           `yaml:"inbound_burst_seconds"`
	OutboundQueueSize      *int           `yaml:"outbound_queue_size"`
	WSPingInterval         *time.Duration `yaml:"ws_ping_interval"`
	WSWriteTimeout         *time.Duration `yaml:"ws_write_timeout"`
	WSReadTimeout          *time.Duration `yaml:"ws_read_timeout"`
	MaxInFlightDispatches  *int           `yaml:"max_in_flight_dispatches"`
	InferenceTimeout       *time.Duration `yaml:"inference_timeout"`
	ClassifyTemperature    *float32       `yaml:"classify_temperature"`
	CodeTemperature        *float32       `yaml:"code_temperature"`
	Model                  *string        `yaml:"model"`
	GoogleProject          *string        `yaml:"google_project"`
	GoogleLocation         *string        `yaml:"google_location"`
	UseVertexAI            *bool          `yaml:"use_vertex_ai"`
	LogLevel               *string        `yaml:"log_level"`
	LogFormat              *string        `yaml:"log_format"`
	ReadHeaderTimeout      *time.Duration `yaml:"read_header_timeout"`
	ReadTimeout            *time.Duration `yaml:"read_timeout"`
	ShutdownGracePeriod    *time.Duration `yaml:"shutdown_grace_period"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}

	set(&cfg.Addr, fc.Addr)
	set(&cfg.WSPath, fc.WSPath)
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = make(map[string]struct{}, len(fc.AllowedOrigins))
		for _, origin := range fc.AllowedOrigins {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins[origin] = struct{}{}
			}
		}
	}
	set(&cfg.MaxBodyBytes, fc.MaxBodyBytes)
	set(&cfg.RateLimitRPS, fc.RateLimitRPS)
	set(&cfg.RateLimitBurst, fc.RateLimitBurst)
	set(&cfg.MaxSessionsPerClient, fc.MaxSessionsPerClient)
	set(&cfg.TrustProxyHeaders, fc.TrustProxyHeaders)
	set(&cfg.MaxSessions, fc.MaxSessions)
	set(&cfg.MaxFrameBytes, fc.MaxFrameBytes)
	set(&cfg.AudioThresholdBytes, fc.AudioThresholdBytes)
	set(&cfg.AudioMIMEType, fc.AudioMIMEType)
	set(&cfg.MaxAudioFPS, fc.MaxAudioFPS)
	set(&cfg.MaxAudioBytesPerSecond, fc.MaxAudioBytesPerSecond)
	set(&cfg.InboundBurstSeconds, fc.InboundBurstSeconds)
	set(&cfg.OutboundQueueSize, fc.OutboundQueueSize)
	set(&cfg.WSPingInterval, fc.WSPingInterval)
	set(&cfg.WSWriteTimeout, fc.WSWriteTimeout)
	set(&cfg.WSReadTimeout, fc.WSReadTimeout)
	set(&cfg.MaxInFlightDispatches, fc.MaxInFlightDispatches)
	set(&cfg.InferenceTimeout, fc.InferenceTimeout)
	set(&cfg.ClassifyTemperature, fc.ClassifyTemperature)
	set(&cfg.CodeTemperature, fc.CodeTemperature)
	set(&cfg.Model, fc.Model)
	set(&cfg.GoogleProject, fc.GoogleProject)
	set(&cfg.GoogleLocation, fc.GoogleLocation)
	set(&cfg.UseVertexAI, fc.UseVertexAI)
	set(&cfg.LogLevel, fc.LogLevel)
	set(&cfg.LogFormat, fc.LogFormat)
	set(&cfg.ReadHeaderTimeout, fc.ReadHeaderTimeout)
	set(&cfg.ReadTimeout, fc.ReadTimeout)
	set(&cfg.ShutdownGracePeriod, fc.ShutdownGracePeriod)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Redacted returns the configuration as YAML with secrets masked.
func (cfg Config) Redacted() ([]byte, error) {
	type view struct {
		Config         `yaml:",inline"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		GoogleAPIKey   string   `yaml:"google_api_key,omitempty"`
	}
	v := view{Config: cfg}
	v.AllowedOrigins = slices.Sorted(maps.Keys(cfg.AllowedOrigins))
	if cfg.GoogleAPIKey != "" {
		v.GoogleAPIKey = "<redacted>"
	}
	return yaml.Marshal(v)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat32Or(key string, def float32) float32 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return def
	}
	return float32(n)
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
