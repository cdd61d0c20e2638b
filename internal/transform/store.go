package transform

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/store"
)

const (
	// WallpaperKey identifies the wallpaper surface.
	WallpaperKey = "wallpaper"

	defaultKey = "default"
	prefPrefix = "matrix:"
)

// AppKey identifies one in-app rendering session.
func AppKey(instanceID string) string {
	return "app-" + instanceID
}

// Store caches sanitized matrices per surface key and persists them.
type Store struct {
	kv     store.Store
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]Matrix
}

// NewStore creates a transform store backed by kv.
func NewStore(kv store.Store, logger zerolog.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger,
		cache:  make(map[string]Matrix),
	}
}

func safeKey(key string) string {
	if strings.TrimSpace(key) == "" {
		return defaultKey
	}
	return key
}

// Save sanitizes m, caches it and persists it. Inputs of the wrong length
// are ignored.
func (s *Store) Save(ctx context.Context, key string, m []float32) (Result, error) {
	key = safeKey(key)
	if len(m) != Size {
		return Result{}, nil
	}

	res := Sanitize(m)
	s.mu.Lock()
	s.cache[key] = res.Matrix
	s.mu.Unlock()

	s.logger.Trace().
		Str("key", key).
		Float32("scale", res.Matrix[0]).
		Bool("mutated", res.Mutated).
		Strs("details", res.Details).
		Msg("view transform saved")

	return res, s.persist(ctx, key, res.Matrix)
}

// Get returns a sanitized copy of the stored matrix. The boolean is false
// when nothing is stored for key.
func (s *Store) Get(ctx context.Context, key string) (Matrix, bool, error) {
	key = safeKey(key)

	s.mu.Lock()
	stored, ok := s.cache[key]
	s.mu.Unlock()

	if !ok {
		loaded, found, err := s.load(ctx, key)
		if err != nil || !found {
			return Matrix{}, false, err
		}
		stored = loaded
	}

	res := Sanitize(stored[:])
	s.mu.Lock()
	s.cache[key] = res.Matrix
	s.mu.Unlock()

	if res.Mutated || !ok {
		if err := s.persist(ctx, key, res.Matrix); err != nil {
			return res.Matrix, true, err
		}
	}
	return res.Matrix, true, nil
}

// Clear forgets the matrix stored for key.
func (s *Store) Clear(ctx context.Context, key string) error {
	key = safeKey(key)
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return s.kv.Delete(ctx, store.NSViewTransform, prefPrefix+key)
}

func (s *Store) persist(ctx context.Context, key string, m Matrix) error {
	return s.kv.Put(ctx, store.NSViewTransform, prefPrefix+key, serialize(m))
}

// load reads a persisted matrix; malformed values are removed.
func (s *Store) load(ctx context.Context, key string) (Matrix, bool, error) {
	raw, ok, err := s.kv.Get(ctx, store.NSViewTransform, prefPrefix+key)
	if err != nil || !ok {
		return Matrix{}, false, err
	}

	m, valid := parse(raw)
	if !valid {
		s.logger.Warn().Str("key", key).Msg("dropping malformed stored view transform")
		return Matrix{}, false, s.kv.Delete(ctx, store.NSViewTransform, prefPrefix+key)
	}
	return m, true, nil
}

func serialize(m Matrix) string {
	parts := make([]string, Size)
	for i, v := range m {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return strings.Join(parts, ",")
}

func parse(raw string) (Matrix, bool) {
	var m Matrix
	parts := strings.Split(raw, ",")
	if len(parts) != Size {
		return m, false
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return m, false
		}
		m[i] = float32(v)
	}
	return m, true
}
