package store

import (
	"context"
	"errors"
	"time"

	"github.com/MaiM-with-u/Maimchat/internal/metrics"
)

// Logical namespaces of persisted state.
const (
	NSChatPrefs     = "chat_prefs"
	NSChatHistory   = "chat_history"
	NSViewTransform = "view_transform"
	NSWallpaper     = "wallpaper_prefs"
	NSWidget        = "widget_input"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store defines durable key-value storage grouped by namespace.
// SQLiteStore, PostgresStore, RedisStore and MemoryStore implement it.
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Key-value operations
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Put(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
}

// observe records the latency of one store operation.
func observe(backend, op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
