package client

import (
	"context"
	"testing"
)

func BenchmarkSerialInvoke(b *testing.B) {
	p := newPair(b, Options{}, upper())
	ctx := context.Background()
	var reply string

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := p.client.Invoke(ctx, "svc", "Upper", &reply, Value("a")); err != nil {
			b.Fatal(err)
		}
	}
}

// Concurrent calls share one link; the invocation id keeps their messages apart.
func BenchmarkConcurrentInvoke(b *testing.B) {
	p := newPair(b, Options{}, upper())
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var reply string
		for pb.Next() {
			if err := p.client.Invoke(ctx, "svc", "Upper", &reply, Value("a")); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
