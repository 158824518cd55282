package transport

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/remote"
)

// kindKey carries the failure kind in trailers.
const kindKey = "syncvault-kind"

var httpCodes = map[int]codes.Code{
	http.StatusNotFound:            codes.NotFound,
	http.StatusConflict:            codes.Aborted,
	http.StatusGone:                codes.FailedPrecondition,
	http.StatusUnprocessableEntity: codes.InvalidArgument,
	http.StatusForbidden:           codes.PermissionDenied,
	http.StatusUnauthorized:        codes.Unauthenticated,
	http.StatusPreconditionFailed:  codes.AlreadyExists,
	http.StatusServiceUnavailable:  codes.Unavailable,
	http.StatusBadGateway:          codes.Unavailable,
	http.StatusGatewayTimeout:      codes.DeadlineExceeded,
	http.StatusTooManyRequests:     codes.ResourceExhausted,
	http.StatusNotImplemented:      codes.Unimplemented,
	http.StatusRequestTimeout:      codes.Canceled,
	http.StatusInternalServerError: codes.Internal,
}

var grpcCodes = map[codes.Code]int{
	codes.NotFound:           http.StatusNotFound,
	codes.Aborted:            http.StatusConflict,
	codes.FailedPrecondition: http.StatusGone,
	codes.InvalidArgument:    http.StatusUnprocessableEntity,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.AlreadyExists:      http.StatusPreconditionFailed,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Canceled:           http.StatusRequestTimeout,
	codes.Internal:           http.StatusInternalServerError,
}

// GRPCCode maps a status code to its gRPC equivalent.
func GRPCCode(code int) codes.Code {
	if c, ok := httpCodes[code]; ok {
		return c
	}
	return codes.Unknown
}

// HTTPCode maps a gRPC code back to a status code. Unknown codes are
// reported as 500.
func HTTPCode(c codes.Code) int {
	if code, ok := grpcCodes[c]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// toStatus converts a handler error into a gRPC status error, recording the
// failure kind in the call's trailer.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	se := remote.StatusFromError(err)
	if se.Kind != "" {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(kindKey, string(se.Kind)))
	}
	return status.Error(GRPCCode(se.Code), err.Error())
}

// fromStatus converts a client-side gRPC error into a remote.StatusError.
// Errors caused by the caller's own context are returned as the context
// error so cancellation stays non-retryable.
func fromStatus(ctx context.Context, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return &remote.StatusError{Code: http.StatusServiceUnavailable, Message: err.Error()}
	}
	se := &remote.StatusError{Code: HTTPCode(st.Code()), Message: st.Message()}
	if kinds := trailer.Get(kindKey); len(kinds) > 0 {
		se.Kind = failure.Kind(kinds[0])
	}
	return se
}
