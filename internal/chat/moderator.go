// Package chat gates per-message chat admission: length, bans, word filters,
// and slow mode, all scoped to a tenant and stream through the shared KV
// store.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"fabriq-live/internal/kv"
)

// DefaultMaxMessageLength caps chat message length in runes.
const DefaultMaxMessageLength = 500

// Rejection reasons surfaced to clients. The first failing check wins.
const (
	ReasonTooLong  = "Message is too long"
	ReasonEmpty    = "Message cannot be empty"
	ReasonBanned   = "You are banned from this chat"
	ReasonFiltered = "Message contains prohibited content"
	ReasonSlowMode = "Slow mode is enabled, please wait before sending again"
)

// Config configures a Moderator.
type Config struct {
	Store kv.Store
	// SlowMode is the minimum delay between messages per user. Zero
	// disables slow mode.
	SlowMode         time.Duration
	MaxMessageLength int
	Logger           *slog.Logger
}

// Moderator validates chat messages against tenant-and-stream scoped
// moderation state.
type Moderator struct {
	store    kv.Store
	slowMode time.Duration
	maxLen   int
	logger   *slog.Logger
}

// NewModerator initialises a Moderator using the provided configuration.
func NewModerator(cfg Config) *Moderator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	return &Moderator{
		store:    cfg.Store,
		slowMode: cfg.SlowMode,
		maxLen:   maxLen,
		logger:   logger,
	}
}

func banSetKey(tenantID, streamID string) string {
	return fmt.Sprintf("chat_ban:%s:%s", tenantID, streamID)
}

func timedBanKey(tenantID, streamID, userID string) string {
	return fmt.Sprintf("chat_ban:%s:%s:%s", tenantID, streamID, userID)
}

func filterKey(tenantID, streamID string) string {
	return fmt.Sprintf("chat_filter:%s:%s", tenantID, streamID)
}

func slowModeKey(tenantID, streamID, userID string) string {
	return fmt.Sprintf("chat_slow:%s:%s:%s", tenantID, streamID, userID)
}

// Validate runs the admission checks in order and returns whether the message
// may be sent, plus a client-facing reason on rejection. KV failures
// propagate as errors so callers can fail closed.
func (m *Moderator) Validate(ctx context.Context, tenantID, streamID, userID, message string) (bool, string, error) {
	if len([]rune(message)) > m.maxLen {
		return false, ReasonTooLong, nil
	}
	if strings.TrimSpace(message) == "" {
		return false, ReasonEmpty, nil
	}

	banned, err := m.IsBanned(ctx, tenantID, streamID, userID)
	if err != nil {
		return false, "", err
	}
	if banned {
		return false, ReasonBanned, nil
	}

	filtered, err := m.matchesFilter(ctx, tenantID, streamID, message)
	if err != nil {
		return false, "", err
	}
	if filtered {
		return false, ReasonFiltered, nil
	}

	if m.slowMode > 0 {
		acquired, err := m.store.SetNX(ctx, slowModeKey(tenantID, streamID, userID), m.slowMode, "1")
		if err != nil {
			return false, "", fmt.Errorf("acquire slow mode token: %w", err)
		}
		if !acquired {
			return false, ReasonSlowMode, nil
		}
	}
	return true, "", nil
}

// Ban blocks a user from the stream's chat. A positive TTL makes the ban
// expire on its own; zero makes it permanent until Unban.
func (m *Moderator) Ban(ctx context.Context, tenantID, streamID, userID string, ttl time.Duration) error {
	if ttl > 0 {
		if err := m.store.SetEx(ctx, timedBanKey(tenantID, streamID, userID), ttl, "1"); err != nil {
			return fmt.Errorf("record timed ban: %w", err)
		}
		return nil
	}
	if err := m.store.SAdd(ctx, banSetKey(tenantID, streamID), userID); err != nil {
		return fmt.Errorf("record ban: %w", err)
	}
	return nil
}

// Unban lifts both permanent and timed bans for the user.
func (m *Moderator) Unban(ctx context.Context, tenantID, streamID, userID string) error {
	if err := m.store.SRem(ctx, banSetKey(tenantID, streamID), userID); err != nil {
		return fmt.Errorf("lift ban: %w", err)
	}
	if err := m.store.Del(ctx, timedBanKey(tenantID, streamID, userID)); err != nil {
		return fmt.Errorf("lift timed ban: %w", err)
	}
	return nil
}

// IsBanned reports whether the user is currently banned from the chat.
func (m *Moderator) IsBanned(ctx context.Context, tenantID, streamID, userID string) (bool, error) {
	banned, err := m.store.SIsMember(ctx, banSetKey(tenantID, streamID), userID)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	if banned {
		return true, nil
	}
	_, timed, err := m.store.Get(ctx, timedBanKey(tenantID, streamID, userID))
	if err != nil {
		return false, fmt.Errorf("check timed ban: %w", err)
	}
	return timed, nil
}

// AddFilter registers banned substrings for the stream. Entries are matched
// case-insensitively after diacritic stripping.
func (m *Moderator) AddFilter(ctx context.Context, tenantID, streamID string, phrases ...string) error {
	normalized := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		phrase = normalizeText(phrase)
		if phrase != "" {
			normalized = append(normalized, phrase)
		}
	}
	if len(normalized) == 0 {
		return nil
	}
	if err := m.store.SAdd(ctx, filterKey(tenantID, streamID), normalized...); err != nil {
		return fmt.Errorf("record filter: %w", err)
	}
	return nil
}

// RemoveFilter drops previously registered substrings.
func (m *Moderator) RemoveFilter(ctx context.Context, tenantID, streamID string, phrases ...string) error {
	normalized := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		normalized = append(normalized, normalizeText(phrase))
	}
	if err := m.store.SRem(ctx, filterKey(tenantID, streamID), normalized...); err != nil {
		return fmt.Errorf("remove filter: %w", err)
	}
	return nil
}

func (m *Moderator) matchesFilter(ctx context.Context, tenantID, streamID, message string) (bool, error) {
	phrases, err := m.store.SMembers(ctx, filterKey(tenantID, streamID))
	if err != nil {
		return false, fmt.Errorf("read filters: %w", err)
	}
	if len(phrases) == 0 {
		return false, nil
	}
	haystack := normalizeText(message)
	for _, phrase := range phrases {
		if phrase != "" && strings.Contains(haystack, phrase) {
			return true, nil
		}
	}
	return false, nil
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeText lower-cases and strips combining marks so filter matching is
// resistant to trivial diacritic evasion.
func normalizeText(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
