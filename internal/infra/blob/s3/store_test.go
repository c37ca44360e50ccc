package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"stepcore/internal/blob/core"
)

func newPrefixedMock(t *testing.T) (*Store, *fakeBucket) {
	t.Helper()
	fake := &fakeBucket{objects: make(map[string]fakeObject), now: time.Now}
	store, err := New(context.Background(), Config{
		Bucket:          "archive",
		Prefix:          "/exchange/",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	}, func(o *awsS3.Options) { o.HTTPClient = &http.Client{Transport: fake} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, fake
}

func TestStorePrefixedKeys(t *testing.T) {
	ctx := context.Background()
	store, fake := newPrefixedMock(t)
	if _, err := store.Put(ctx, "parts/bracket.stp", strings.NewReader("ISO-10303-21;"), core.PutOptions{ContentType: "model/step"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fake.objects["exchange/parts/bracket.stp"]; !ok {
		t.Fatalf("object not stored under prefix: %v", fake.objects)
	}
	list, err := store.List(ctx, "parts/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "parts/bracket.stp" || list[0].Size != 13 {
		t.Fatalf("unexpected list %+v", list)
	}
	_, rc, err := store.Get(ctx, "parts/bracket.stp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "ISO-10303-21;" {
		t.Fatalf("body %q", body)
	}
}

func TestStoreMissingKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if _, err := store.Head(ctx, "nope.stp"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: %v", err)
	}
	if _, _, err := store.Get(ctx, "nope.stp"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	ok, err := store.Delete(ctx, "nope.stp")
	if err != nil || ok {
		t.Fatalf("delete missing: %v %v", ok, err)
	}
	if _, err := store.Put(ctx, "/abs.stp", strings.NewReader("x"), core.PutOptions{}); err == nil {
		t.Fatalf("expected absolute key error")
	}
}

func TestStorePresign(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	u, err := store.PresignURL(ctx, "parts/bracket.stp", core.SignedURLOptions{Expiry: time.Minute})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(u, "/archive/parts/bracket.stp") || !strings.Contains(u, "X-Amz-Expires=60") {
		t.Fatalf("unexpected url %s", u)
	}
	if _, err := store.PresignURL(ctx, "a.stp", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("presign put: %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvBucket, "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	t.Setenv(EnvBucket, "parts")
	t.Setenv(EnvRegion, "eu-west-1")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Bucket != "parts" || cfg.Region != "eu-west-1" || cfg.PathStyle {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket required error")
	}
}

func TestDecodeChunked(t *testing.T) {
	raw := "5;chunk-signature=abc\r\nhello\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n"
	out, err := decodeChunked([]byte(raw))
	if err != nil || string(out) != "hello" {
		t.Fatalf("decode: %q %v", out, err)
	}
	if _, err := decodeChunked([]byte("zz\r\n")); err == nil {
		t.Fatalf("expected bad size error")
	}
}
