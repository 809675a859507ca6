package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/kv/kvtest"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store { return New() })
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	c, err := s.Open(ctx, "pending_ops")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	boom := errors.New("disk on fire")
	s.SetFault(func(collection string, op Op, key string) error {
		if collection == "pending_ops" && op == OpPut {
			return boom
		}
		return nil
	})

	if err := c.Put(ctx, "a", []byte("2")); !errors.Is(err, boom) {
		t.Fatalf("Put with fault = %v, want %v", err, boom)
	}
	got, err := c.Get(ctx, "a")
	if err != nil || string(got) != "1" {
		t.Fatalf("Get after failed put = %q, %v", got, err)
	}

	s.SetFault(nil)
	if err := c.Put(ctx, "a", []byte("2")); err != nil {
		t.Fatalf("Put after clearing fault: %v", err)
	}
}
