package message

import (
	"testing"

	"tunnel-rpc/protocol"
)

func TestSignature(t *testing.T) {
	req := &InvocationRequest{
		ServiceID:  "files",
		Method:     "Checksum",
		ParamTypes: []string{DescExecution, DescStream},
	}
	if got := req.Signature(); got != "Checksum(execution,stream)" {
		t.Fatalf("unexpected signature %q", got)
	}
	if got := Signature("Ping", nil); got != "Ping()" {
		t.Fatalf("unexpected empty signature %q", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"invoke", Message{Kind: protocol.MsgTypeInvoke, InvocationID: "a", Request: &InvocationRequest{}}, true},
		{"invoke without request", Message{Kind: protocol.MsgTypeInvoke, InvocationID: "a"}, false},
		{"arity mismatch", Message{Kind: protocol.MsgTypeInvoke, InvocationID: "a",
			Request: &InvocationRequest{ParamTypes: []string{"int"}}}, false},
		{"missing id", Message{Kind: protocol.MsgTypeCancel}, false},
		{"cancel", Message{Kind: protocol.MsgTypeCancel, InvocationID: "a"}, true},
		{"empty result", Message{Kind: protocol.MsgTypeResult, InvocationID: "a"}, true},
		{"exception without error", Message{Kind: protocol.MsgTypeException, InvocationID: "a"}, false},
		{"interim", Message{Kind: protocol.MsgTypeInterimRequest, InvocationID: "a", Interim: &Interim{}}, true},
		{"unknown kind", Message{Kind: 99, InvocationID: "a"}, false},
	}
	for _, tc := range cases {
		err := tc.msg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestInvocationIDs(t *testing.T) {
	a, b := NewInvocationID(), NewInvocationID()
	if a == b {
		t.Fatal("expected distinct invocation ids")
	}
	if a.Route() != protocol.RouteKey(string(a)) {
		t.Fatal("route key must hash the invocation id")
	}
}

type point struct{ X, Y int }

func TestTypeDesc(t *testing.T) {
	if got := TypeDesc[string](); got != "string" {
		t.Fatalf("TypeDesc[string] = %q", got)
	}
	if got, want := DescOf(point{}), TypeDesc[point](); got != want {
		t.Fatalf("DescOf = %q, TypeDesc = %q", got, want)
	}
	if got := DescOf([]int{1}); got != "[]int" {
		t.Fatalf("DescOf([]int) = %q", got)
	}
}
