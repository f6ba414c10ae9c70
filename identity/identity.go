// Package identity persists the visitor's durable identity, the optional
// contact profile, and the conversation handle bound to that identity.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Storage keys.
const (
	KeyVisitorID          = "firemoo_chat_visitor_id"
	KeyProfile            = "firemoo_chat_visitor_data"
	ConversationKeyPrefix = "firemoo_chat_conversation_"
)

const (
	visitorPrefix  = "visitor_"
	randomSuffix   = 9
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	// uuid bytes holding the v4 version nibble and the variant bits.
	uuidVersionByte = 6
	uuidVariantByte = 8
)

// ConversationKey returns the storage key of a visitor's conversation.
func ConversationKey(visitorID string) string {
	return ConversationKeyPrefix + visitorID
}

// Store is the local identity store.
type Store struct {
	storage Storage
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for new visitor ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore wraps storage.
func NewStore(storage Storage, opts ...Option) *Store {
	s := &Store{
		storage: storage,
		now:     time.Now,
		logger:  log.With().Str("component", "identity").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// VisitorID returns the persisted visitor id, generating and saving
// visitor_<epoch-ms>_<9 base36 chars> on first use.
func (s *Store) VisitorID(ctx context.Context) (string, error) {
	if id, ok, err := s.storage.Get(ctx, KeyVisitorID); err != nil {
		return "", fmt.Errorf("read visitor id: %w", err)
	} else if ok && id != "" {
		return id, nil
	}
	id := NewVisitorID(s.now())
	if err := s.storage.Set(ctx, KeyVisitorID, id); err != nil {
		return "", fmt.Errorf("save visitor id: %w", err)
	}
	s.logger.Debug().Str("visitor_id", id).Msg("created visitor id")
	return id, nil
}

// NewVisitorID formats a fresh visitor id for time t.
func NewVisitorID(t time.Time) string {
	return visitorPrefix + strconv.FormatInt(t.UnixMilli(), 10) + "_" + visitorSuffix(uuid.New())
}

// visitorSuffix maps the random bytes of r onto base36, skipping the bytes
// whose values are fixed by the uuid version and variant.
func visitorSuffix(r uuid.UUID) string {
	var b strings.Builder
	for i, n := 0, 0; i < len(r) && n < randomSuffix; i++ {
		if i == uuidVersionByte || i == uuidVariantByte {
			continue
		}
		b.WriteByte(base36Alphabet[int(r[i])%len(base36Alphabet)])
		n++
	}
	return b.String()
}

// Profile returns the saved profile. Missing or malformed data reads as no
// profile; it never fails.
func (s *Store) Profile(ctx context.Context) (Profile, bool) {
	raw, ok, err := s.storage.Get(ctx, KeyProfile)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read profile")
		return Profile{}, false
	}
	if !ok || raw == "" {
		return Profile{}, false
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring malformed profile")
		return Profile{}, false
	}
	return p, true
}

// SaveProfile persists p as JSON.
func (s *Store) SaveProfile(ctx context.Context, p Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.storage.Set(ctx, KeyProfile, string(b)); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// ConversationID returns the conversation stored for visitorID.
func (s *Store) ConversationID(ctx context.Context, visitorID string) (string, bool) {
	id, ok, err := s.storage.Get(ctx, ConversationKey(visitorID))
	if err != nil {
		s.logger.Warn().Err(err).Msg("read conversation id")
		return "", false
	}
	return id, ok && id != ""
}

// SaveConversationID binds id to visitorID.
func (s *Store) SaveConversationID(ctx context.Context, visitorID, id string) error {
	if err := s.storage.Set(ctx, ConversationKey(visitorID), id); err != nil {
		return fmt.Errorf("save conversation id: %w", err)
	}
	return nil
}

// ClearConversationID forgets the conversation of visitorID.
func (s *Store) ClearConversationID(ctx context.Context, visitorID string) error {
	if err := s.storage.Delete(ctx, ConversationKey(visitorID)); err != nil {
		return fmt.Errorf("clear conversation id: %w", err)
	}
	return nil
}

// Profile is the contact data collected by the pre-chat form.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Profile validation errors.
var (
	ErrProfileIncomplete = errors.New("please fill in all required fields")
	ErrInvalidEmail      = errors.New("invalid email format")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Normalize trims every field.
func (p Profile) Normalize() Profile {
	return Profile{
		Name:  strings.TrimSpace(p.Name),
		Email: strings.TrimSpace(p.Email),
		Phone: strings.TrimSpace(p.Phone),
	}
}

// Validate requires all fields after trimming and a plausible email.
func (p Profile) Validate() error {
	p = p.Normalize()
	if p.Name == "" || p.Email == "" || p.Phone == "" {
		return ErrProfileIncomplete
	}
	if !emailPattern.MatchString(p.Email) {
		return ErrInvalidEmail
	}
	return nil
}
