package registry

import (
	"context"
	"testing"
	"time"
)

func TestStaticRegistry(t *testing.T) {
	reg := NewStaticRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "files")

	reg.Register(ctx, "files", Endpoint{URL: "http://b/rpc"}, 0)
	reg.Register(ctx, "files", Endpoint{URL: "http://a/rpc"}, 0)

	eps, _ := reg.Discover(ctx, "files")
	if len(eps) != 2 || eps[0].URL != "http://a/rpc" {
		t.Fatalf("unexpected endpoints: %+v", eps)
	}

	select {
	case latest := <-updates:
		if len(latest) != 2 {
			t.Fatalf("watch should hold the latest list, got %+v", latest)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	reg.Deregister(ctx, "files", "http://a/rpc")
	eps, _ = reg.Discover(ctx, "files")
	if len(eps) != 1 || eps[0].URL != "http://b/rpc" {
		t.Fatalf("unexpected endpoints after deregister: %+v", eps)
	}

	cancel()
	for range updates {
	}
}
