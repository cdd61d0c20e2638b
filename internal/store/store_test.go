package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MaiM-with-u/Maimchat/internal/crypto"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqlite, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sqlite.Close)

	mem := NewMemoryStore()
	t.Cleanup(mem.Close)

	return map[string]Store{"sqlite": sqlite, "memory": mem}
}

func TestStoreOperations(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, NSChatPrefs, "missing"); err != nil || ok {
				t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
			}

			if err := s.Put(ctx, NSChatPrefs, "platform", "live2d_chat"); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(ctx, NSChatPrefs, "platform", "qq"); err != nil {
				t.Fatal(err)
			}
			v, ok, err := s.Get(ctx, NSChatPrefs, "platform")
			if err != nil || !ok || v != "qq" {
				t.Fatalf("expected qq, got %q ok=%v err=%v", v, ok, err)
			}

			// Same key in another namespace is independent
			if _, ok, _ := s.Get(ctx, NSWidget, "platform"); ok {
				t.Fatal("namespaces should not share keys")
			}

			s.Put(ctx, NSChatPrefs, "nickname", "me")
			keys, err := s.Keys(ctx, NSChatPrefs)
			if err != nil {
				t.Fatal(err)
			}
			if len(keys) != 2 || keys[0] != "nickname" || keys[1] != "platform" {
				t.Fatalf("unexpected keys %v", keys)
			}

			if err := s.Delete(ctx, NSChatPrefs, "platform"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := s.Get(ctx, NSChatPrefs, "platform"); ok {
				t.Fatal("expected key deleted")
			}
			if err := s.Ping(ctx); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestConnectionConfigSealed(t *testing.T) {
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	mem := NewMemoryStore()
	prefs := NewPrefs(mem, sealer)

	want := ConnectionConfig{
		URL:        "ws://localhost:8080/chat",
		Platform:   "live2d_chat",
		AuthToken:  "token-123",
		Nickname:   "me",
		ReceiverID: "hiyori",
	}
	if err := prefs.SaveConnection(ctx, want); err != nil {
		t.Fatal(err)
	}

	raw, _, _ := mem.Get(ctx, NSChatPrefs, "auth_token")
	if raw == "token-123" {
		t.Fatal("auth token should be sealed at rest")
	}
	if _, ok, _ := mem.Get(ctx, NSChatPrefs, "receiver_user_nickname"); ok {
		t.Fatal("empty values should not be stored")
	}

	got, err := prefs.LoadConnection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestHistoryCapped(t *testing.T) {
	ctx := context.Background()
	prefs := NewPrefs(NewMemoryStore(), nil)

	var h History
	for i := 0; i < 250; i++ {
		h.Messages = append(h.Messages, HistoryEntry{ID: fmt.Sprintf("m%d", i), Content: "x", Timestamp: int64(i)})
		h.Standard = append(h.Standard, fmt.Sprintf(`{"n":%d}`, i))
	}
	if err := prefs.SaveHistory(ctx, "hiyori", h, 200); err != nil {
		t.Fatal(err)
	}

	got, err := prefs.LoadHistory(ctx, "hiyori")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 200 || len(got.Standard) != 200 {
		t.Fatalf("expected 200/200, got %d/%d", len(got.Messages), len(got.Standard))
	}
	if got.Messages[0].ID != "m50" {
		t.Fatalf("expected oldest entries pruned first, got %s", got.Messages[0].ID)
	}

	empty, err := prefs.LoadHistory(ctx, "other")
	if err != nil || len(empty.Messages) != 0 {
		t.Fatalf("expected empty history, got %+v (%v)", empty, err)
	}
}

func TestModelName(t *testing.T) {
	ctx := context.Background()
	prefs := NewPrefs(NewMemoryStore(), nil)

	if name, _ := prefs.ModelName(ctx); name != "" {
		t.Fatalf("expected empty model name, got %q", name)
	}
	prefs.SetModelFolder(ctx, "models/Hiyori/")
	if name, _ := prefs.ModelName(ctx); name != "Hiyori" {
		t.Fatalf("expected Hiyori, got %q", name)
	}
}
