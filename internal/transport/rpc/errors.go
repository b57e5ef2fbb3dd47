package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kailas-cloud/flowgate/internal/domain"
)

// ClientAttemptsKey is the trailer key set when the client stops retrying.
const ClientAttemptsKey = "client-attempts"

// StatusError is a gRPC status error together with the metadata the call returned.
type StatusError struct {
	st      *status.Status
	Header  metadata.MD
	Trailer metadata.MD
}

// NewStatusError creates a StatusError for code and message.
func NewStatusError(code codes.Code, msg string) *StatusError {
	return &StatusError{st: status.New(code, msg)}
}

// WrapStatus attaches call metadata to err if it carries a gRPC status.
// Errors without a status are returned unchanged.
func WrapStatus(err error, header, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return &StatusError{st: st, Header: header, Trailer: trailer}
}

func (e *StatusError) Error() string { return e.st.Err().Error() }

// GRPCStatus lets status.FromError and status.Code see through the wrapper.
func (e *StatusError) GRPCStatus() *status.Status { return e.st }

// Code returns the status code.
func (e *StatusError) Code() codes.Code { return e.st.Code() }

// Message returns the status message.
func (e *StatusError) Message() string { return e.st.Message() }

// WithTrailer returns a copy of e whose trailer additionally carries key=value.
// Code, message, details and header are preserved.
func (e *StatusError) WithTrailer(key, value string) *StatusError {
	c := &StatusError{
		st:      status.FromProto(e.st.Proto()),
		Header:  e.Header.Copy(),
		Trailer: e.Trailer.Copy(),
	}
	if c.Trailer == nil {
		c.Trailer = metadata.MD{}
	}
	c.Trailer.Append(key, value)
	return c
}

// TrailerValue returns the first trailer value under key.
func (e *StatusError) TrailerValue(key string) (string, bool) {
	if v := e.Trailer.Get(key); len(v) > 0 {
		return v[0], true
	}
	return "", false
}

// IsCancellation reports whether err stems from context or RPC cancellation.
func IsCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Canceled
}

// IsTLSError reports certificate and handshake failures.
func IsTLSError(err error) bool {
	var (
		verr  *tls.CertificateVerificationError
		rerr  tls.RecordHeaderError
		uaerr x509.UnknownAuthorityError
		herr  x509.HostnameError
		cierr x509.CertificateInvalidError
	)
	if errors.As(err, &verr) || errors.As(err, &rerr) || errors.As(err, &uaerr) ||
		errors.As(err, &herr) || errors.As(err, &cierr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "authentication handshake failed") ||
		strings.Contains(msg, "x509: ") ||
		strings.Contains(msg, "tls: ")
}

// IsConnectionError reports socket-level failures that never produced a gRPC status.
func IsConnectionError(err error) bool {
	if _, ok := status.FromError(err); ok {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// Classify maps err to a domain kind. callerCtx distinguishes a caller's own
// deadline from one reported by the server.
func Classify(callerCtx context.Context, err error) domain.Kind {
	switch {
	case err == nil:
		return domain.KindUnknown
	case callerCtx != nil && errors.Is(callerCtx.Err(), context.DeadlineExceeded):
		return domain.KindDeadlineExceeded
	case callerCtx != nil && errors.Is(callerCtx.Err(), context.Canceled):
		return domain.KindCancelledByClient
	}
	if k := domain.KindOf(err); k != domain.KindUnknown {
		return k
	}
	if IsTLSError(err) {
		return domain.KindNonRetriableTransport
	}
	if IsConnectionError(err) {
		return domain.KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return domain.KindCancelledByClient
	}
	st, ok := status.FromError(err)
	if !ok {
		return domain.KindUnknown
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return domain.KindTransient
	case codes.Canceled:
		return domain.KindCancelledByClient
	case codes.FailedPrecondition, codes.Unauthenticated:
		return domain.KindNonRetriableTransport
	case codes.Unimplemented, codes.InvalidArgument, codes.DataLoss:
		return domain.KindProtocol
	case codes.Internal:
		return domain.KindProgrammer
	default:
		return domain.KindUnknown
	}
}

// ToStatus converts a domain failure into the status returned to callers.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		switch {
		case errors.Is(err, context.Canceled):
			return status.Error(codes.Canceled, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return status.Error(codes.DeadlineExceeded, err.Error())
		case errors.Is(err, domain.ErrNoHealthyReplica):
			return status.Error(codes.Unavailable, err.Error())
		case errors.Is(err, domain.ErrNoSuchDeployment):
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.Unknown, err.Error())
	}
	return status.Error(kindCode(de.Kind), de.Error())
}

func kindCode(k domain.Kind) codes.Code {
	switch k {
	case domain.KindTransient:
		return codes.Unavailable
	case domain.KindCancelledByClient:
		return codes.Canceled
	case domain.KindDeadlineExceeded:
		return codes.DeadlineExceeded
	case domain.KindNonRetriableTransport:
		return codes.FailedPrecondition
	case domain.KindProtocol:
		return codes.Unimplemented
	case domain.KindProgrammer:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// FromStatus converts a transport failure of deployment into a domain error.
func FromStatus(ctx context.Context, deployment string, err error) *domain.Error {
	de := domain.NewError(Classify(ctx, err), deployment, err)
	if st, ok := status.FromError(err); ok {
		de.Status = strings.ToUpper(toSnake(st.Code().String()))
		de.Message = st.Message()
	}
	return de
}

// toSnake turns codes.Code names like "DeadlineExceeded" into "deadline_exceeded".
func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
