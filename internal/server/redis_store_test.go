package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisStoreEnforcesWindowedLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(mr.Addr(), "", time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := store.Allow(ctx, "coursecast:login:203.0.113.5", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	allowed, retryAfter, err := store.Allow(ctx, "coursecast:login:203.0.113.5", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("expected fourth attempt to be limited")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retry-after %v", retryAfter)
	}
}

func TestRedisStoreResetsAfterExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(mr.Addr(), "", time.Second)
	ctx := context.Background()

	if allowed, _, _ := store.Allow(ctx, "coursecast:login:key", 1, time.Minute); !allowed {
		t.Fatal("first attempt should pass")
	}
	if allowed, _, _ := store.Allow(ctx, "coursecast:login:key", 1, time.Minute); allowed {
		t.Fatal("second attempt should be limited")
	}

	mr.FastForward(2 * time.Minute)
	if allowed, _, _ := store.Allow(ctx, "coursecast:login:key", 1, time.Minute); !allowed {
		t.Fatal("attempt after window expiry should pass")
	}
}

func TestRedisStoreKeysAreScopedPerClient(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(mr.Addr(), "", time.Second)
	ctx := context.Background()

	if allowed, _, _ := store.Allow(ctx, "coursecast:login:a", 1, time.Minute); !allowed {
		t.Fatal("client a first attempt should pass")
	}
	if allowed, _, _ := store.Allow(ctx, "coursecast:login:a", 1, time.Minute); allowed {
		t.Fatal("client a should be limited")
	}
	if allowed, _, _ := store.Allow(ctx, "coursecast:login:b", 1, time.Minute); !allowed {
		t.Fatal("client b must not share client a's counter")
	}
}
