// Package privacylog keeps user identities and secrets out of structured
// logs. Identity-bearing attributes are replaced by a per-process
// fingerprint under a "<key>_fp" key; secret-like attributes are redacted.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"advocate-chat/go-core/pkg/models"
)

const redactedValue = "[REDACTED]"

// identityKeys name attributes whose values identify a user, a group or a
// conversation.
var identityKeys = map[string]struct{}{
	"identity":          {},
	"peer":              {},
	"user":              {},
	"member":            {},
	"sender_id":         {},
	"message_id":        {},
	"group_id":          {},
	"event_id":          {},
	"owner_id":          {},
	"actor_id":          {},
	"member_id":         {},
	"conversation":      {},
	"correlation_id":    {},
	"supporter":         {},
	"supported":         {},
	"previous_identity": {},
	"target_identity":   {},
}

var secretKeyParts = []string{"token", "secret", "password", "passphrase", "authorization", "auth_key", "body", "message_text"}

// processSalt makes fingerprints stable within one process and unlinkable
// across restarts.
var processSalt = newSalt()

type treatment int

const (
	keep treatment = iota
	redact
	fingerprint
)

// classify decides by key first; identity-typed values are fingerprinted
// whatever key they are logged under.
func classify(key string, value any) treatment {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return redact
		}
	}
	if _, ok := identityKeys[lower]; ok {
		return fingerprint
	}
	switch value.(type) {
	case models.Identity, models.ConversationRef:
		return fingerprint
	}
	return keep
}

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAll(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the log policy to one attribute, descending into
// groups.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitizeAll(value.Group())...)}
	}
	var raw any
	if value.Kind() == slog.KindAny {
		raw = value.Any()
	}
	switch classify(attr.Key, raw) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintKey(attr.Key), FingerprintID(render(value)))
	default:
		return slog.Attr{Key: attr.Key, Value: value}
	}
}

// SanitizeArgs applies the log policy to alternating key/value arguments.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		i++
		value := args[i]
		switch classify(key, value) {
		case redact:
			out = append(out, key, redactedValue)
		case fingerprint:
			out = append(out, fingerprintKey(key), FingerprintID(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

func FingerprintID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value + "|" + processSalt))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func FingerprintIdentity(id models.Identity) string {
	return FingerprintID(id.String())
}

func sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		out[i] = SanitizeAttr(attr)
	}
	return out
}

func fingerprintKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func render(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindAny:
		if s, ok := v.Any().(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

// NewLogger builds the default JSON logger with sanitizing applied.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// Ensure wraps an existing logger, or builds a discard logger when nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(WrapHandler(slog.NewTextHandler(io.Discard, nil)))
	}
	if _, ok := logger.Handler().(*SanitizingHandler); ok {
		return logger
	}
	return slog.New(WrapHandler(logger.Handler()))
}

func newSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_salt"
	}
	return hex.EncodeToString(buf)
}
