// Package correlation carries a per-workflow correlation identifier on the
// context so that every log line of one drain or reap run can be tied
// together.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength defines the maximum number of characters accepted for
// correlation identifiers supplied by callers.
const MaxIDLength = 128

type contextKey struct{}

// Generate returns a fresh correlation identifier.
func Generate() string {
	return xid.New().String()
}

// Set records the correlation ID on ctx. Invalid identifiers are ignored and
// the original context is returned.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Ensure attaches a generated correlation ID to ctx when none is present.
func Ensure(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if Has(ctx) {
		return ctx
	}
	return Set(ctx, Generate())
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}
