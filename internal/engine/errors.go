package engine

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acme/expediente/model"
)

// classifyGRPC turns a gateway error into an engine error envelope. Errors
// that already are envelopes pass through unchanged.
func classifyGRPC(err error, processID string) error {
	if err == nil {
		return nil
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewEngineTimeoutError()
	}

	st, ok := status.FromError(err)
	if !ok {
		// Dial failures and other transport errors surface without a status.
		return model.NewEngineUnavailableError()
	}

	switch st.Code() {
	case codes.NotFound:
		if processID == "" {
			return model.NewEngineRejectedError(st.Message())
		}
		return model.NewProcessNotFoundError(processID)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists, codes.OutOfRange:
		return model.NewEngineRejectedError(st.Message())
	case codes.DeadlineExceeded:
		return model.NewEngineTimeoutError()
	default:
		// Unavailable, ResourceExhausted, Unauthenticated, Internal and the
		// rest mean the gateway could not serve the call at all.
		return model.NewEngineUnavailableError()
	}
}

// outcome labels a call result for metrics: "ok" or the error code.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return "error"
}
