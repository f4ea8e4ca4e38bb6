// Package config loads the relay's runtime configuration from environment
// variables and flags. Flags win over environment variables; both fall back
// to the documented defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/duetapp/duet-rtc/internal/origin"
)

const (
	envVarListenAddr      = "DUET_RTC_LISTEN_ADDR"
	envVarPublicBaseURL   = "DUET_RTC_PUBLIC_BASE_URL"
	envVarMode            = "DUET_RTC_MODE"
	envVarLogFormat       = "DUET_RTC_LOG_FORMAT"
	envVarLogLevel        = "DUET_RTC_LOG_LEVEL"
	envVarShutdownTimeout = "DUET_RTC_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "DUET_RTC_ALLOWED_ORIGINS"
	envVarStunURLs        = "DUET_RTC_STUN_URLS"

	// Signaling WebSocket hardening.
	envVarMaxSignalingMessageBytes      = "DUET_RTC_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "DUET_RTC_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingWSIdleTimeout        = "DUET_RTC_SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "DUET_RTC_SIGNALING_WS_PING_INTERVAL"
)

const (
	DefaultListenAddr      = "127.0.0.1:2609"
	DefaultShutdownTimeout = 15 * time.Second

	// Public STUN is enough for the couples this app serves; TURN relaying is
	// out of scope.
	DefaultStunURL = "stun:stun.l.google.com:19302"

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr    string
	PublicBaseURL string
	Mode          Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// AllowedOrigins lists browser origins permitted to reach the signaling
	// and ICE endpoints. Empty means same-host only.
	AllowedOrigins []string

	// StunURLs is handed to clients via the ICE config endpoint.
	StunURLs []string

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	stunURLsStr := envOrDefault(lookup, envVarStunURLs, DefaultStunURL)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("duet-signal-relay", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "host:port for the HTTP/WebSocket listener")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "externally reachable base URL (informational)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "comma-separated allowed browser origins, or * (env "+envVarAllowedOrigins+")")
	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "comma-separated STUN URLs served to clients (env "+envVarStunURLs+")")
	modeStr := fs.String("mode", modeDefault, "dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "debug, info, warn, or error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "graceful shutdown timeout")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "close signaling connections idle longer than this")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "WebSocket ping interval (must be below the idle timeout)")
	fs.IntVar(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "per-message size limit on the signaling channel")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "per-connection signaling message rate limit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,
		StunURLs:        splitCommaList(stunURLsStr),

		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen addr must not be empty")
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("max signaling message bytes must be positive")
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("max signaling messages per second must be positive")
	}
	if c.SignalingWSPingInterval <= 0 || c.SignalingWSIdleTimeout <= 0 {
		return fmt.Errorf("websocket keepalive intervals must be positive")
	}
	if c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout {
		return fmt.Errorf("ping interval %s must be below the idle timeout %s",
			c.SignalingWSPingInterval, c.SignalingWSIdleTimeout)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaList(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
