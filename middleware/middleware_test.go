package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tunnel-rpc/logging"
	"tunnel-rpc/metrics"
)

// echoHandler returns the method name and completes the request immediately.
func echoHandler(ctx context.Context, req *Request) (any, error) {
	req.Complete(req.Method, nil)
	return req.Method, nil
}

func panicHandler(ctx context.Context, req *Request) (any, error) {
	panic("boom")
}

func newRequest() *Request {
	return &Request{InvocationID: "inv-1", ServiceID: "files", Method: "Echo", Signature: "Echo(string)"}
}

func TestLogging(t *testing.T) {
	handler := Logging(logging.Discard())(echoHandler)

	resp, err := handler(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if resp != "Echo" {
		t.Fatalf("expect 'Echo', got %v", resp)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass, the 3rd is rejected
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), newRequest()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	if _, err := handler(context.Background(), newRequest()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}

	other := newRequest()
	other.ServiceID = "other"
	if _, err := handler(context.Background(), other); err != nil {
		t.Fatalf("another service has its own bucket, got error: %v", err)
	}
}

func TestRecover(t *testing.T) {
	handler := Recover()(panicHandler)

	_, err := handler(context.Background(), newRequest())
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expect PanicError, got %v", err)
	}
	if pe.Value != "boom" || len(pe.Stack) == 0 {
		t.Fatalf("unexpected panic error: %+v", pe)
	}
}

func TestOnDoneRunsOnceInReverseOrder(t *testing.T) {
	req := newRequest()
	var order []string
	req.OnDone(func(any, error) { order = append(order, "outer") })
	req.OnDone(func(any, error) { order = append(order, "inner") })

	req.Complete(nil, nil)
	req.Complete(nil, errors.New("late"))

	if len(order) != 2 || order[0] != "inner" || order[1] != "outer" {
		t.Fatalf("unexpected hook order: %v", order)
	}
}

func TestMetrics(t *testing.T) {
	m := metrics.New("test")
	handler := Metrics(m)(echoHandler)

	if _, err := handler(context.Background(), newRequest()); err != nil {
		t.Fatal(err)
	}
	if n := testutil.CollectAndCount(m.Registry(), "test_invocations_total"); n != 1 {
		t.Fatalf("expect 1 invocations_total series, got %d", n)
	}
}

func TestChain(t *testing.T) {
	// Recover + Logging + Tracing + RateLimit; the request passes through unchanged
	chained := Chain(Recover(), Logging(logging.Discard()), Tracing(), RateLimit(100, 10))
	handler := chained(echoHandler)

	req := newRequest()
	req.Metadata = map[string]string{}
	resp, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if resp != "Echo" {
		t.Fatalf("expect 'Echo', got %v", resp)
	}
}
