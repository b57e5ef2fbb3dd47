package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoSuchDeployment signals a deployment the pool has never seen.
	ErrNoSuchDeployment = errors.New("no such deployment")
	// ErrNoHealthyReplica signals an empty or fully unhealthy shard.
	ErrNoHealthyReplica = errors.New("no healthy replica")
	// ErrInvalidGraph signals a malformed graph description.
	ErrInvalidGraph = errors.New("invalid graph description")
	// ErrCyclicGraph signals a graph description containing a cycle.
	ErrCyclicGraph = errors.New("graph contains a cycle")
	// ErrUnknownNeed signals a `needs` entry naming an undefined node.
	ErrUnknownNeed = errors.New("unknown node in needs")
	// ErrInvalidRetryConfig signals retry settings violating their invariants.
	ErrInvalidRetryConfig = errors.New("invalid retry config")
	// ErrInvalidAttempt signals an attempt number outside [1, max_attempts].
	ErrInvalidAttempt = errors.New("invalid attempt number")
	// ErrEmptyRequest signals a request without documents where some are required.
	ErrEmptyRequest = errors.New("empty request")
	// ErrInvalidDocument signals a document violating identity or tree invariants.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrUnknownEndpoint signals an exec endpoint no deployment serves.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrMalformedResponse signals a response that does not echo its request.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrPoolClosed signals use of a pool after Close.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrGraphNotFound signals that no graph description has been stored.
	ErrGraphNotFound = errors.New("graph description not found")
	// ErrInvalidRegistration signals a malformed endpoint registration.
	ErrInvalidRegistration = errors.New("invalid endpoint registration")
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	// KindTransient is retriable: refused connections, broken streams, server-side deadlines.
	KindTransient
	// KindCancelledByClient is an explicit cancellation.
	KindCancelledByClient
	// KindDeadlineExceeded is an expired caller deadline.
	KindDeadlineExceeded
	// KindNonRetriableTransport covers TLS and certificate failures.
	KindNonRetriableTransport
	// KindProtocol covers malformed responses and unknown endpoints.
	KindProtocol
	// KindUpstream is a structured error payload returned by a worker.
	KindUpstream
	// KindProgrammer is an invariant violation.
	KindProgrammer
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindTransient:             "transient",
	KindCancelledByClient:     "cancelled_by_client",
	KindDeadlineExceeded:      "deadline_exceeded",
	KindNonRetriableTransport: "non_retriable_transport",
	KindProtocol:              "protocol_error",
	KindUpstream:              "upstream_error",
	KindProgrammer:            "programmer",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retriable reports whether the client retry policy may recover this kind.
func (k Kind) Retriable() bool { return k == KindTransient }

// Error is the failure surfaced to callers of the pool, the engine and the client.
type Error struct {
	Kind       Kind
	Deployment string
	Message    string
	// Status is the transport status code name (e.g. "UNAVAILABLE"), if any.
	Status string
	// Attempts is set once the client gave up retrying.
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Deployment != "" {
		b.WriteString(" at ")
		b.WriteString(e.Deployment)
	}
	if e.Status != "" {
		b.WriteString(" [")
		b.WriteString(e.Status)
		b.WriteString("]")
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a kinded error bound to a deployment.
func NewError(kind Kind, deployment string, err error) *Error {
	e := &Error{Kind: kind, Deployment: deployment, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ConnectionError replaces a client-level connection failure once retries are exhausted.
type ConnectionError struct {
	Msg string
}

func (e *ConnectionError) Error() string { return e.Msg }

// NewConnectionError creates a ConnectionError carrying err's message.
func NewConnectionError(err error) error {
	return &ConnectionError{Msg: err.Error()}
}
