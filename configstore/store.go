// Package configstore persists the routing configuration, its history, and
// the API key records guarding the control server, all in one two-part-key
// table.
//
// Item layout:
//
//	pk=CONFIG   sk=routing_prompt          current RoutingConfig
//	pk=HISTORY  sk=routing_prompt#<time>   archived rules text
//	pk=API_KEY  sk=<sha256 hex of token>   APIKeyRecord
package configstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	configPK         = "CONFIG"
	configSK         = "routing_prompt"
	historyPK        = "HISTORY"
	historySKPrefix  = "routing_prompt#"
	apiKeyPK         = "API_KEY"
	historyKeyLayout = "2006-01-02T15:04:05.000000000Z"

	// AllPermissions grants access to every tool.
	AllPermissions = "all"

	// DefaultTableName is the routing table's name unless configured.
	DefaultTableName = "ai-email-routing"

	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// ErrEmptyRules is returned when rules text is empty or only whitespace.
var ErrEmptyRules = errors.New("routing rules cannot be empty")

// RoutingConfig is the singleton routing configuration record. Nil optional
// fields mean "use the forwarder's default".
type RoutingConfig struct {
	RulesText   string    `dynamodbav:"routing_rules" json:"routing_rules"`
	Enabled     bool      `dynamodbav:"enabled" json:"enabled"`
	ModelID     string    `dynamodbav:"model_id,omitempty" json:"model_id,omitempty"`
	Temperature *float64  `dynamodbav:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   *int32    `dynamodbav:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	UpdatedAt   time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

type configItem struct {
	Key
	RoutingConfig
}

// HistoryEntry is one archived rules text.
type HistoryEntry struct {
	RulesText  string    `dynamodbav:"routing_rules" json:"routing_rules"`
	ArchivedAt time.Time `dynamodbav:"archived_at" json:"archived_at"`
}

type historyItem struct {
	Key
	HistoryEntry
}

// APIKeyRecord describes one provisioned bearer token. Only the token's hash
// is ever stored.
type APIKeyRecord struct {
	KeyHash     string     `dynamodbav:"sk"`
	KeyName     string     `dynamodbav:"key_name"`
	CreatedAt   time.Time  `dynamodbav:"created_at"`
	ExpiresAt   *time.Time `dynamodbav:"expires_at,omitempty"`
	IsActive    bool       `dynamodbav:"is_active"`
	Permissions []string   `dynamodbav:"permissions,stringset,omitempty"`
	LastUsedAt  *time.Time `dynamodbav:"last_used_at,omitempty"`
}

type apiKeyItem struct {
	PK string `dynamodbav:"pk"`
	APIKeyRecord
}

// Usable reports whether the key is active and unexpired at now.
func (r *APIKeyRecord) Usable(now time.Time) bool {
	return r.IsActive && (r.ExpiresAt == nil || now.Before(*r.ExpiresAt))
}

// Allows reports whether the key's permissions cover tool. An empty
// permission set allows nothing.
func (r *APIKeyRecord) Allows(tool string) bool {
	return slices.Contains(r.Permissions, AllPermissions) ||
		slices.Contains(r.Permissions, tool)
}

// HashAPIKey returns the hex SHA-256 digest under which a token's record is
// stored.
func HashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type Store struct {
	Table Table
	Now   func() time.Time
}

func New(t Table) *Store {
	return &Store{Table: t, Now: time.Now}
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

// RoutingConfig returns the current configuration, or ErrNotFound.
func (s *Store) RoutingConfig(ctx context.Context) (*RoutingConfig, error) {
	item := &configItem{}
	if err := s.Table.Get(ctx, Key{configPK, configSK}, item); err != nil {
		return nil, err
	}
	return &item.RoutingConfig, nil
}

// RulesUpdate reports the outcome of replacing the routing configuration.
type RulesUpdate struct {
	Config   RoutingConfig
	Archived bool
}

// UpdateRoutingRules replaces the rules text, archiving the previous text
// first. Other settings carry over; a first-ever update creates an enabled
// configuration with default model settings.
func (s *Store) UpdateRoutingRules(
	ctx context.Context, rules string,
) (*RulesUpdate, error) {
	return s.replace(ctx, func(cur *RoutingConfig) RoutingConfig {
		next := RoutingConfig{Enabled: true}
		if cur != nil {
			next = *cur
		}
		next.RulesText = rules
		return next
	})
}

// ReplaceRoutingConfig writes cfg wholesale, archiving the previous rules
// text first.
func (s *Store) ReplaceRoutingConfig(
	ctx context.Context, cfg RoutingConfig,
) (*RulesUpdate, error) {
	return s.replace(ctx, func(*RoutingConfig) RoutingConfig { return cfg })
}

func (s *Store) replace(
	ctx context.Context, next func(*RoutingConfig) RoutingConfig,
) (*RulesUpdate, error) {
	cur, err := s.RoutingConfig(ctx)
	if errors.Is(err, ErrNotFound) {
		cur = nil
	} else if err != nil {
		return nil, fmt.Errorf("reading current routing config: %w", err)
	}

	cfg := next(cur)
	if strings.TrimSpace(cfg.RulesText) == "" {
		return nil, ErrEmptyRules
	}
	now := s.now()
	update := &RulesUpdate{}

	if cur != nil && cur.RulesText != "" {
		if err := s.archive(ctx, cur.RulesText, now); err != nil {
			return nil, err
		}
		update.Archived = true
	}

	cfg.UpdatedAt = now
	item := &configItem{Key{configPK, configSK}, cfg}
	if err := s.Table.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("writing routing config: %w", err)
	}
	update.Config = cfg
	return update, nil
}

func (s *Store) archive(ctx context.Context, rules string, at time.Time) error {
	item := &historyItem{
		Key{historyPK, historySKPrefix + at.Format(historyKeyLayout)},
		HistoryEntry{RulesText: rules, ArchivedAt: at},
	}
	if err := s.Table.Put(ctx, item); err != nil {
		return fmt.Errorf("archiving routing rules: %w", err)
	}
	return nil
}

// SetRoutingEnabled flips the enabled flag on the existing configuration
// without archiving anything.
func (s *Store) SetRoutingEnabled(
	ctx context.Context, enabled bool,
) (*RoutingConfig, error) {
	cur, err := s.RoutingConfig(ctx)
	if err != nil {
		return nil, err
	}
	cur.Enabled = enabled
	cur.UpdatedAt = s.now()

	if err := s.Table.Put(ctx, &configItem{Key{configPK, configSK}, *cur}); err != nil {
		return nil, fmt.Errorf("writing routing config: %w", err)
	}
	return cur, nil
}

// History returns up to limit archived rules texts, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	} else if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	var items []historyItem
	q := Query{
		PK:         historyPK,
		SKPrefix:   historySKPrefix,
		Limit:      int32(limit),
		Descending: true,
	}
	if err := s.Table.Query(ctx, q, &items); err != nil {
		return nil, fmt.Errorf("reading routing rules history: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, item.HistoryEntry)
	}
	return entries, nil
}

// APIKey returns the record stored under keyHash, or ErrNotFound.
func (s *Store) APIKey(ctx context.Context, keyHash string) (*APIKeyRecord, error) {
	item := &apiKeyItem{}
	if err := s.Table.Get(ctx, Key{apiKeyPK, keyHash}, item); err != nil {
		return nil, err
	}
	return &item.APIKeyRecord, nil
}

func (s *Store) PutAPIKey(ctx context.Context, rec *APIKeyRecord) error {
	if rec.KeyHash == "" {
		return errors.New("API key record has no key hash")
	}
	if err := s.Table.Put(ctx, &apiKeyItem{apiKeyPK, *rec}); err != nil {
		return fmt.Errorf("writing API key %q: %w", rec.KeyName, err)
	}
	return nil
}

// TouchAPIKey records a successful authentication.
func (s *Store) TouchAPIKey(ctx context.Context, keyHash string) error {
	return s.Table.Update(
		ctx, Key{apiKeyPK, keyHash}, map[string]any{"last_used_at": s.now()},
	)
}

// DeactivateAPIKey revokes a key. Records are never deleted.
func (s *Store) DeactivateAPIKey(ctx context.Context, keyHash string) error {
	return s.Table.Update(
		ctx, Key{apiKeyPK, keyHash}, map[string]any{"is_active": false},
	)
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	var items []apiKeyItem
	if err := s.Table.Query(ctx, Query{PK: apiKeyPK}, &items); err != nil {
		return nil, fmt.Errorf("listing API keys: %w", err)
	}

	records := make([]APIKeyRecord, 0, len(items))
	for _, item := range items {
		records = append(records, item.APIKeyRecord)
	}
	return records, nil
}
