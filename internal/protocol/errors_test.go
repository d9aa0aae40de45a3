package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestRPCErrorMatchesByURI(t *testing.T) {
	err := fmt.Errorf("call failed: %w", &RPCError{URI: URINoSuchProcedure, Args: Args{"com.example.missing"}})
	if !errors.Is(err, ErrNoSuchProcedure) {
		t.Fatalf("expected match on URI")
	}
	if errors.Is(err, ErrProcedureAlreadyExists) {
		t.Fatalf("unexpected match across URIs")
	}
}

func TestIsApplicationDistinguishesRouterFaults(t *testing.T) {
	if ErrSessionGone.IsApplication() {
		t.Fatalf("session_gone is a router fault")
	}
	if !NewApplicationError(URIInvalidArgument).IsApplication() {
		t.Fatalf("invalid_argument is application-defined")
	}
	if !NewApplicationError("com.example.error.custom", 1).IsApplication() {
		t.Fatalf("custom URIs are application-defined")
	}
}

func TestAsRPCErrorWrapsPlainErrors(t *testing.T) {
	got := AsRPCError(errors.New("boom"))
	if got.URI != URIRuntimeError || len(got.Args) != 1 || got.Args[0] != "boom" {
		t.Fatalf("unexpected conversion: %+v", got)
	}
	orig := NewApplicationError(URIInvalidArgument, "x")
	if AsRPCError(fmt.Errorf("wrapped: %w", orig)) != orig {
		t.Fatalf("expected the wrapped RPCError to be returned")
	}
	if AsRPCError(nil) != nil {
		t.Fatalf("nil in, nil out")
	}
}

func TestRPCErrorMessageIncludesArgs(t *testing.T) {
	got := NewApplicationError(URIInvalidArgument, "a", 2).Error()
	if got != "rpc error: wamp.error.invalid_argument: a, 2" {
		t.Fatalf("unexpected message %q", got)
	}
}
