package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"stepcore/internal/blob/core"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	md := map[string]string{"models": "bracket"}
	info, err := store.Put(ctx, "parts//bracket.stp", bytes.NewReader([]byte("DATA;")), core.PutOptions{ContentType: "model/step", Metadata: md})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "parts/bracket.stp" || info.Size != 5 || info.ETag == "" || !info.LastModified.Equal(fixed) {
		t.Fatalf("unexpected info %+v", info)
	}
	md["models"] = "changed"
	head, err := store.Head(ctx, "parts/bracket.stp")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Metadata["models"] != "bracket" {
		t.Fatalf("metadata aliased caller map: %+v", head.Metadata)
	}
	head.Metadata["models"] = "mutated"
	_, rc, err := store.Get(ctx, "parts/bracket.stp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "DATA;" {
		t.Fatalf("body %q", body)
	}
	again, _ := store.Head(ctx, "parts/bracket.stp")
	if again.Metadata["models"] != "bracket" {
		t.Fatalf("head returned shared metadata")
	}
}

func TestStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head missing: %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if _, err := store.Put(ctx, "", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	if _, err := store.Put(ctx, "a", bytes.NewReader(nil), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "a", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("duplicate put: %v", err)
	}
	if _, err := store.PresignURL(ctx, "a", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("presign: %v", err)
	}
	if store.Driver() != core.DriverMemory {
		t.Fatalf("driver %s", store.Driver())
	}
}

func TestStoreListOrder(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, k := range []string{"b/2.stp", "a/1.stp", "b/1.stp"} {
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte(k)), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "b/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "b/1.stp" || list[1].Key != "b/2.stp" {
		t.Fatalf("unexpected list %+v", list)
	}
	all, _ := store.List(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
}
