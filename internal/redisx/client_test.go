package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewConfiguresTimeouts(t *testing.T) {
	rdb := New("localhost:6379")
	defer rdb.Close()

	opts := rdb.Options()
	if opts.DialTimeout != 2*time.Second {
		t.Fatalf("DialTimeout=%v", opts.DialTimeout)
	}
	if opts.ReadTimeout != 2*time.Second {
		t.Fatalf("ReadTimeout=%v", opts.ReadTimeout)
	}
	if opts.WriteTimeout != 2*time.Second {
		t.Fatalf("WriteTimeout=%v", opts.WriteTimeout)
	}
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := New(mr.Addr())
	defer rdb.Close()

	if ok, err := Exists(ctx, rdb, "nope"); err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	mr.Set("k", "v")
	if ok, err := Exists(ctx, rdb, "k"); err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}
