package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acme/expediente/model"
)

func TestClassifyGRPC(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		processID string
		want      string
	}{
		{"not found with process", status.Error(codes.NotFound, "no process with id"), "recepcion-documento", model.ErrProcessNotFound},
		{"not found on deploy", status.Error(codes.NotFound, "missing"), "", model.ErrEngineRejected},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad variables"), "p", model.ErrEngineRejected},
		{"failed precondition", status.Error(codes.FailedPrecondition, "no none start event"), "p", model.ErrEngineRejected},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), "p", model.ErrEngineUnavailable},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "backpressure"), "p", model.ErrEngineUnavailable},
		{"unauthenticated", status.Error(codes.Unauthenticated, "bad token"), "p", model.ErrEngineUnavailable},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "slow"), "p", model.ErrEngineTimeout},
		{"context deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), "p", model.ErrEngineTimeout},
		{"plain error", errors.New("dial tcp: connection refused"), "p", model.ErrEngineUnavailable},
		{"envelope passes", model.NewEngineRejectedError("x"), "p", model.ErrEngineRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyGRPC(tt.err, tt.processID)
			if !model.IsCode(got, tt.want) {
				t.Errorf("classifyGRPC() = %v, want code %s", got, tt.want)
			}
		})
	}
}

func TestClassifyGRPC_nil(t *testing.T) {
	if err := classifyGRPC(nil, "p"); err != nil {
		t.Errorf("classifyGRPC(nil) = %v, want nil", err)
	}
}

func TestClassifyGRPC_rejectionKeepsEngineMessage(t *testing.T) {
	err := classifyGRPC(status.Error(codes.InvalidArgument, "Expected variables to be a JSON object"), "p")
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		t.Fatalf("expected envelope, got %T", err)
	}
	if ee.Message != "Expected variables to be a JSON object" {
		t.Errorf("message = %q", ee.Message)
	}
}

func TestOutcome(t *testing.T) {
	if got := outcome(nil); got != "ok" {
		t.Errorf("outcome(nil) = %q", got)
	}
	if got := outcome(model.NewEngineTimeoutError()); got != model.ErrEngineTimeout {
		t.Errorf("outcome(timeout) = %q", got)
	}
	if got := outcome(errors.New("x")); got != "error" {
		t.Errorf("outcome(plain) = %q", got)
	}
}
