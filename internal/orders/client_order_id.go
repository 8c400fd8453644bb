// Package orders provides client order ID generation for trade idempotency:
// every submit carries a unique, structured ID so duplicate submissions are
// rejected by the broker instead of doubling a position.
package orders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gap-trading-bot/internal/cache"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MaxClientOrderIDLength is the broker's client order ID limit.
	MaxClientOrderIDLength = 48

	// Prefix identifies orders originated by this engine. Broker positions
	// whose orders lack this prefix are treated as unmanaged on restart.
	Prefix = "gap"

	// FallbackMarker identifies IDs minted without a sequence counter.
	FallbackMarker = "FB"
)

// OrderRole is the suffix naming the order's role in a trade.
type OrderRole string

const (
	RoleEntry OrderRole = "E"
	RoleStop  OrderRole = "SL"
	RoleClose OrderRole = "X"
)

var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
)

// Generator mints client order IDs with a per-day atomic sequence.
// Format: gap-YYYYMMDD-NNNNNN-ROLE (e.g. "gap-20260302-000017-E").
// When the sequence counter is unreachable it falls back to a uuid-derived
// ID: gap-FB-xxxxxxxx-ROLE.
type Generator struct {
	cache    *cache.CacheService
	timezone *time.Location
	log      zerolog.Logger
}

// NewGenerator creates a Generator. The timezone fixes which day the
// sequence rolls on; nil defaults to UTC.
func NewGenerator(kv *cache.CacheService, timezone *time.Location) *Generator {
	if timezone == nil {
		timezone = time.UTC
	}
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("component", "order_ids").
		Logger()
	return &Generator{cache: kv, timezone: timezone, log: logger}
}

// Generate mints a new ID. Returns (fullID, baseID): the base is shared by
// related orders of the same trade.
func (g *Generator) Generate(ctx context.Context, role OrderRole) (string, string, error) {
	now := time.Now().In(g.timezone)
	dateStr := now.Format("20060102")

	if g.cache != nil {
		seq, err := g.cache.IncrementDailySequence(ctx, dateStr)
		if err == nil {
			baseID := fmt.Sprintf("%s-%s-%06d", Prefix, dateStr, seq)
			fullID := fmt.Sprintf("%s-%s", baseID, role)
			if len(fullID) > MaxClientOrderIDLength {
				return "", "", fmt.Errorf("%w: %q is %d characters", ErrClientOrderIDTooLong, fullID, len(fullID))
			}
			return fullID, baseID, nil
		}
		g.log.Warn().Err(err).Msg("sequence counter unavailable, minting fallback ID")
	}

	fullID, baseID := g.generateFallback(role)
	return fullID, baseID, nil
}

// Related derives the ID for another order of the same trade.
func Related(baseID string, role OrderRole) (string, error) {
	if baseID == "" {
		return "", ErrInvalidClientOrderID
	}
	fullID := fmt.Sprintf("%s-%s", baseID, role)
	if len(fullID) > MaxClientOrderIDLength {
		return "", fmt.Errorf("%w: %q is %d characters", ErrClientOrderIDTooLong, fullID, len(fullID))
	}
	return fullID, nil
}

func (g *Generator) generateFallback(role OrderRole) (string, string) {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	baseID := fmt.Sprintf("%s-%s-%s", Prefix, FallbackMarker, short)
	return fmt.Sprintf("%s-%s", baseID, role), baseID
}

// IsManaged reports whether a client order ID was minted by this engine.
func IsManaged(id string) bool {
	return strings.HasPrefix(id, Prefix+"-")
}

// IsFallbackID reports whether the ID was minted without a sequence counter.
func IsFallbackID(id string) bool {
	return strings.HasPrefix(id, Prefix+"-"+FallbackMarker+"-")
}

// BaseID extracts the shared trade base from a full client order ID.
// "gap-20260302-000017-SL" -> "gap-20260302-000017".
func BaseID(fullID string) (string, error) {
	if fullID == "" {
		return "", ErrInvalidClientOrderID
	}
	parts := strings.Split(fullID, "-")
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidClientOrderID, fullID)
	}
	if len(parts) >= 4 {
		return strings.Join(parts[:3], "-"), nil
	}
	return fullID, nil
}

// Validate checks an ID against the engine's format.
func Validate(id string) error {
	if id == "" {
		return ErrInvalidClientOrderID
	}
	if len(id) > MaxClientOrderIDLength {
		return fmt.Errorf("%w: %q is %d characters (max %d)", ErrClientOrderIDTooLong, id, len(id), MaxClientOrderIDLength)
	}
	if !IsManaged(id) {
		return fmt.Errorf("%w: missing %q prefix", ErrInvalidClientOrderID, Prefix)
	}
	return nil
}
