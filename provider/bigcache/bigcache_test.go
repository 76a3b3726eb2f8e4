package bigcache

import (
	"context"
	"testing"
	"time"
)

func TestRoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute, Shards: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if _, ok, err := p.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
	if ok, err := p.Set(ctx, "k", []byte("v"), 0, 0); !ok || err != nil {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	if b, ok, _ := p.Get(ctx, "k"); !ok || string(b) != "v" {
		t.Fatalf("Get: ok=%v b=%q", ok, b)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("second Del should be nil, got %v", err)
	}
}

func TestRequiresLifeWindow(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
