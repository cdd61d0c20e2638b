package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/MaiM-with-u/Maimchat/internal/crypto"
)

// ConnectionConfig is the last-known chat connection configuration.
type ConnectionConfig struct {
	URL              string `json:"last_url"`
	Platform         string `json:"platform"`
	AuthToken        string `json:"auth_token"`
	Nickname         string `json:"nickname"`
	ReceiverID       string `json:"receiver_user_id"`
	ReceiverNickname string `json:"receiver_user_nickname"`
}

// HistoryEntry is one persisted chat bubble.
type HistoryEntry struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	IsFromUser bool   `json:"isFromUser"`
	Timestamp  int64  `json:"timestamp"`
}

// History is the persisted chat state of one model.
type History struct {
	Messages []HistoryEntry
	Standard []string // encoded wire messages
}

// Prefs exposes the typed views over the key-value namespaces.
type Prefs struct {
	store  Store
	sealer *crypto.Sealer
}

// NewPrefs wraps a store. A nil sealer stores tokens as plain text.
func NewPrefs(s Store, sealer *crypto.Sealer) *Prefs {
	if sealer == nil {
		sealer = &crypto.Sealer{}
	}
	return &Prefs{store: s, sealer: sealer}
}

// Store returns the underlying store.
func (p *Prefs) Store() Store {
	return p.store
}

// LoadConnection reads the persisted connection config. Missing keys are empty.
func (p *Prefs) LoadConnection(ctx context.Context) (ConnectionConfig, error) {
	var cfg ConnectionConfig
	fields := []struct {
		key string
		dst *string
	}{
		{"last_url", &cfg.URL},
		{"platform", &cfg.Platform},
		{"auth_token", &cfg.AuthToken},
		{"nickname", &cfg.Nickname},
		{"receiver_user_id", &cfg.ReceiverID},
		{"receiver_user_nickname", &cfg.ReceiverNickname},
	}
	for _, f := range fields {
		v, _, err := p.store.Get(ctx, NSChatPrefs, f.key)
		if err != nil {
			return cfg, err
		}
		*f.dst = v
	}

	token, err := p.sealer.Open(cfg.AuthToken)
	if err != nil {
		return cfg, fmt.Errorf("open auth token: %w", err)
	}
	cfg.AuthToken = token
	return cfg, nil
}

// SaveConnection persists the connection config. Empty values delete their key.
func (p *Prefs) SaveConnection(ctx context.Context, cfg ConnectionConfig) error {
	token, err := p.sealer.Seal(cfg.AuthToken)
	if err != nil {
		return fmt.Errorf("seal auth token: %w", err)
	}

	values := map[string]string{
		"last_url":               cfg.URL,
		"platform":               cfg.Platform,
		"auth_token":             token,
		"nickname":               cfg.Nickname,
		"receiver_user_id":       cfg.ReceiverID,
		"receiver_user_nickname": cfg.ReceiverNickname,
	}
	for k, v := range values {
		if err := p.putOrDelete(ctx, NSChatPrefs, k, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadHistory reads the persisted history of a model key.
func (p *Prefs) LoadHistory(ctx context.Context, modelKey string) (History, error) {
	var h History

	raw, ok, err := p.store.Get(ctx, NSChatHistory, "messages_"+modelKey)
	if err != nil {
		return h, err
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &h.Messages); err != nil {
			return h, fmt.Errorf("decode messages_%s: %w", modelKey, err)
		}
	}

	raw, ok, err = p.store.Get(ctx, NSChatHistory, "standard_"+modelKey)
	if err != nil {
		return h, err
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &h.Standard); err != nil {
			return h, fmt.Errorf("decode standard_%s: %w", modelKey, err)
		}
	}
	return h, nil
}

// SaveHistory persists the last limit entries of each list.
func (p *Prefs) SaveHistory(ctx context.Context, modelKey string, h History, limit int) error {
	msgs := takeLast(h.Messages, limit)
	std := takeLast(h.Standard, limit)
	if msgs == nil {
		msgs = []HistoryEntry{}
	}
	if std == nil {
		std = []string{}
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	if err := p.store.Put(ctx, NSChatHistory, "messages_"+modelKey, string(data)); err != nil {
		return err
	}

	data, err = json.Marshal(std)
	if err != nil {
		return err
	}
	return p.store.Put(ctx, NSChatHistory, "standard_"+modelKey, string(data))
}

// WallpaperBackground returns the persisted wallpaper background path.
func (p *Prefs) WallpaperBackground(ctx context.Context) (string, error) {
	v, _, err := p.store.Get(ctx, NSWallpaper, "bg_path")
	return v, err
}

// SetWallpaperBackground persists the wallpaper background path.
func (p *Prefs) SetWallpaperBackground(ctx context.Context, bgPath string) error {
	return p.putOrDelete(ctx, NSWallpaper, "bg_path", bgPath)
}

// ModelFolder returns the persisted active model folder.
func (p *Prefs) ModelFolder(ctx context.Context) (string, error) {
	v, _, err := p.store.Get(ctx, NSWallpaper, "model_folder")
	return v, err
}

// SetModelFolder persists the active model folder.
func (p *Prefs) SetModelFolder(ctx context.Context, folder string) error {
	return p.putOrDelete(ctx, NSWallpaper, "model_folder", folder)
}

// ModelName derives the chat model name from the active model folder.
func (p *Prefs) ModelName(ctx context.Context) (string, error) {
	folder, err := p.ModelFolder(ctx)
	if err != nil || folder == "" {
		return "", err
	}
	return path.Base(strings.TrimRight(folder, "/")), nil
}

// WidgetInput returns the widget preview text.
func (p *Prefs) WidgetInput(ctx context.Context) (string, error) {
	v, _, err := p.store.Get(ctx, NSWidget, "last_input")
	return v, err
}

// SetWidgetInput persists the widget preview text.
func (p *Prefs) SetWidgetInput(ctx context.Context, text string) error {
	return p.putOrDelete(ctx, NSWidget, "last_input", text)
}

func (p *Prefs) putOrDelete(ctx context.Context, namespace, key, value string) error {
	if value == "" {
		return p.store.Delete(ctx, namespace, key)
	}
	return p.store.Put(ctx, namespace, key, value)
}

func takeLast[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
