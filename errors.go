package flowgate

import (
	"context"
	"errors"
	"strconv"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/transport/rpc"
)

// Error is a kinded failure: kind tag, message, deployment, transport
// status and attempts.
type Error = domain.Error

// ConnectionError is returned once retries of a socket-level failure are exhausted.
type ConnectionError = domain.ConnectionError

// Kind classifies a failure.
type Kind = domain.Kind

// Failure kinds.
const (
	KindUnknown               = domain.KindUnknown
	KindTransient             = domain.KindTransient
	KindCancelledByClient     = domain.KindCancelledByClient
	KindDeadlineExceeded      = domain.KindDeadlineExceeded
	KindNonRetriableTransport = domain.KindNonRetriableTransport
	KindProtocol              = domain.KindProtocol
	KindUpstream              = domain.KindUpstream
	KindProgrammer            = domain.KindProgrammer
)

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrInvalidRetryConfig = domain.ErrInvalidRetryConfig
	ErrEmptyRequest       = domain.ErrEmptyRequest
	ErrInvalidDocument    = domain.ErrInvalidDocument
	ErrMalformedResponse  = domain.ErrMalformedResponse
	ErrClientClosed       = errors.New("flowgate: client closed")
)

// ClientAttemptsKey is the trailer key carrying the number of attempts made
// before the client gave up.
const ClientAttemptsKey = rpc.ClientAttemptsKey

// ClientAttempts returns the client-attempts trailer of a terminal
// transport error.
func ClientAttempts(err error) (int, bool) {
	var se *rpc.StatusError
	if !errors.As(err, &se) {
		return 0, false
	}
	v, ok := se.TrailerValue(rpc.ClientAttemptsKey)
	if !ok {
		return 0, false
	}
	n, perr := strconv.Atoi(v)
	if perr != nil {
		return 0, false
	}
	return n, true
}

// KindOf classifies err. Transport errors without a domain kind are
// classified by their gRPC status.
func KindOf(err error) Kind {
	if k := domain.KindOf(err); k != domain.KindUnknown {
		return k
	}
	return rpc.Classify(context.Background(), err)
}

// IsCancellation reports whether err stems from cancellation.
func IsCancellation(err error) bool {
	return rpc.IsCancellation(err)
}
