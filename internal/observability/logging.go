package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with conversation correlation and sensitive-data
// redaction. Messages and attribute values are scrubbed against a set of
// regex patterns before they reach the handler, so API keys and tokens
// never land in log output.
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	logger.Info(ctx, "turn complete", "peer", peer, "interactions", n)
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (production) or "text" (development).
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in log records.
	AddSource bool

	// RedactPatterns are extra regex patterns on top of the defaults.
	RedactPatterns []string
}

// ContextKey is the type for context keys carried into log records.
type ContextKey string

const (
	// ConversationIDKey is the context key for conversation ids.
	ConversationIDKey ContextKey = "conversation_id"

	// CorrelationIDKey is the context key for message correlation ids.
	CorrelationIDKey ContextKey = "correlation_id"
)

// DefaultRedactPatterns covers common secret shapes.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{95,}`,

	// OpenAI API keys
	`sk-[a-zA-Z0-9]{48,}`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger creates a structured logger. Empty config fields fall back to
// info level, JSON format and stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(DefaultRedactPatterns, config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), config: config, redacts: redacts}
}

// WithFields returns a logger with the given key-value pairs added to every
// record. Used to attach component names at construction time.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), config: l.config, redacts: l.redacts}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+4)
	if id, ok := ctx.Value(ConversationIDKey).(string); ok && id != "" {
		attrs = append(attrs, "conversation_id", id)
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok && id != "" {
		attrs = append(attrs, "correlation_id", id)
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKey(k) {
				result[k] = "[REDACTED]"
			} else {
				result[k] = l.redactValue(inner)
			}
		}
		return result
	default:
		if b, err := json.Marshal(v); err == nil && strings.ContainsAny(string(b), "{[\"") {
			if red := l.redactString(string(b)); red != string(b) {
				return red
			}
		}
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func sensitiveKey(k string) bool {
	switch strings.ToLower(strings.ReplaceAll(k, "-", "_")) {
	case "password", "passwd", "secret", "token", "api_key", "apikey", "private_key", "authorization":
		return true
	}
	return false
}

// WithConversationID attaches a conversation id to the context for log
// correlation.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

// WithCorrelationID attaches a message correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// ConversationIDFromContext returns the conversation id carried by ctx, if any.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ConversationIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a level name to a slog.Level, defaulting to
// info for unknown values.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
