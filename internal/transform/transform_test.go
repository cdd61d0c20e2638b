package transform

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/store"
)

func TestIdentityUnchanged(t *testing.T) {
	id := Identity()
	res := Sanitize(id[:])
	if res.Mutated {
		t.Fatalf("identity should not be mutated, details=%v", res.Details)
	}
	if res.Matrix != id {
		t.Fatalf("expected identity, got %v", res.Matrix)
	}
}

func TestNaNResetsToIdentity(t *testing.T) {
	m := Identity()
	m[0] = 1.5
	m[5] = 1.5
	m[12] = 0.3
	m[7] = float32(math.NaN())

	res := Sanitize(m[:])
	if !res.Mutated {
		t.Fatal("expected mutated=true")
	}
	if res.Matrix != Identity() {
		t.Fatalf("expected identity, got %v", res.Matrix)
	}
}

func TestWrongLength(t *testing.T) {
	res := Sanitize([]float32{1, 2, 3})
	if !res.Mutated || res.Matrix != Identity() {
		t.Fatalf("expected identity for short input, got %+v", res)
	}
	res = Sanitize(nil)
	if !res.Mutated || res.Matrix != Identity() {
		t.Fatal("expected identity for nil input")
	}
}

func TestScaleHarmonisedAndClamped(t *testing.T) {
	m := Identity()
	m[0], m[5] = 1.0, 1.5
	res := Sanitize(m[:])
	if res.Matrix[0] != 1.25 || res.Matrix[5] != 1.25 {
		t.Fatalf("expected scale 1.25, got %v/%v", res.Matrix[0], res.Matrix[5])
	}

	m[0], m[5] = 9, 9
	res = Sanitize(m[:])
	if res.Matrix[0] != ScaleMax || res.Matrix[5] != ScaleMax {
		t.Fatalf("expected scale clamped to max, got %v", res.Matrix[0])
	}

	m[0], m[5] = 0.1, 0.1
	res = Sanitize(m[:])
	if res.Matrix[0] != ScaleMin {
		t.Fatalf("expected scale clamped to min, got %v", res.Matrix[0])
	}
}

func TestTranslationClamped(t *testing.T) {
	m := Identity()
	m[12], m[13] = 100, -100
	res := Sanitize(m[:])
	limit := float32(2.0*1.1) * 1
	if abs(res.Matrix[12]-limit) > 1e-6 || abs(res.Matrix[13]+limit) > 1e-6 {
		t.Fatalf("expected translation clamped to ±%v, got (%v,%v)", limit, res.Matrix[12], res.Matrix[13])
	}
}

func TestShearReset(t *testing.T) {
	m := Identity()
	m[1], m[4], m[10], m[15] = 0.5, -0.2, 3, 0
	res := Sanitize(m[:])
	if res.Matrix != Identity() {
		t.Fatalf("expected canonical cells restored, got %v", res.Matrix)
	}
	if len(res.Details) != 4 {
		t.Fatalf("expected 4 details, got %v", res.Details)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	specials := []float32{float32(math.NaN()), float32(math.Inf(1)), 0, 1, -1, 1e-4, 2.5}

	for i := 0; i < 2000; i++ {
		m := make([]float32, Size)
		for j := range m {
			if r.Intn(10) == 0 {
				m[j] = specials[r.Intn(len(specials))]
			} else {
				m[j] = float32(r.NormFloat64() * 3)
			}
		}
		once := Sanitize(m)
		twice := Sanitize(once.Matrix[:])
		if twice.Matrix != once.Matrix {
			t.Fatalf("not idempotent for %v:\n%v\n%v", m, once.Matrix, twice.Matrix)
		}
		if twice.Mutated {
			t.Fatalf("second pass should not mutate %v: %v", once.Matrix, twice.Details)
		}
	}
}

func TestStorePersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()

	s := NewStore(kv, zerolog.Nop())
	m := Identity()
	m[0], m[5], m[12] = 1.5, 1.5, 0.25
	if _, err := s.Save(ctx, WallpaperKey, m[:]); err != nil {
		t.Fatal(err)
	}

	raw, ok, _ := kv.Get(ctx, store.NSViewTransform, "matrix:wallpaper")
	if !ok || raw != "1.5,0,0,0,0,1.5,0,0,0,0,1,0,0.25,0,0,1" {
		t.Fatalf("unexpected persisted value %q", raw)
	}

	// A fresh store reads it back from the backend
	fresh := NewStore(kv, zerolog.Nop())
	got, ok, err := fresh.Get(ctx, WallpaperKey)
	if err != nil || !ok {
		t.Fatalf("expected stored matrix, ok=%v err=%v", ok, err)
	}
	if got != m {
		t.Fatalf("expected %v, got %v", m, got)
	}

	if _, ok, _ := fresh.Get(ctx, AppKey("7")); ok {
		t.Fatal("app surface should be independent of wallpaper")
	}

	if err := fresh.Clear(ctx, WallpaperKey); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := fresh.Get(ctx, WallpaperKey); ok {
		t.Fatal("expected matrix cleared")
	}
}

func TestStoreSanitizesOnRestore(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	kv.Put(ctx, store.NSViewTransform, "matrix:default", "1,0,0,0,0,1,0,0,0,0,1,0,50,0,0,1")

	s := NewStore(kv, zerolog.Nop())
	got, ok, err := s.Get(ctx, "  ")
	if err != nil || !ok {
		t.Fatalf("expected default key to load, ok=%v err=%v", ok, err)
	}
	if got[12] > 2.2+1e-6 {
		t.Fatalf("expected clamped translation, got %v", got[12])
	}
	raw, _, _ := kv.Get(ctx, store.NSViewTransform, "matrix:default")
	if raw == "1,0,0,0,0,1,0,0,0,0,1,0,50,0,0,1" {
		t.Fatal("expected sanitized value re-persisted")
	}
}

func TestStoreDropsMalformed(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	kv.Put(ctx, store.NSViewTransform, "matrix:wallpaper", "1,2,three")

	s := NewStore(kv, zerolog.Nop())
	if _, ok, err := s.Get(ctx, WallpaperKey); ok || err != nil {
		t.Fatalf("expected malformed value ignored, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := kv.Get(ctx, store.NSViewTransform, "matrix:wallpaper"); ok {
		t.Fatal("expected malformed value removed")
	}
}
