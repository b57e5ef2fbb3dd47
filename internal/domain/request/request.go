package request

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/document"
)

// DefaultEndpoint is served by executors that accept any exec endpoint.
const DefaultEndpoint = "/default"

// StatusCode is the outcome carried in a response header.
type StatusCode string

// Status codes.
const (
	StatusSuccess StatusCode = "SUCCESS"
	StatusError   StatusCode = "ERROR"
)

// Status is a structured upstream outcome. Workers report executor failures
// here instead of failing the RPC.
type Status struct {
	Code        StatusCode `json:"code"`
	Description string     `json:"description,omitempty"`
	Executor    string     `json:"executor,omitempty"`
	Exception   string     `json:"exception,omitempty"`
}

// IsError reports whether s describes a failure.
func (s *Status) IsError() bool { return s != nil && s.Code == StatusError }

// RouteEntry audits one hop through the graph.
type RouteEntry struct {
	Executor  string    `json:"executor"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Header carries routing state for a request.
type Header struct {
	RequestID    string `json:"request_id"`
	ExecEndpoint string `json:"exec_endpoint"`
	// TargetExecutor is a regular expression restricting which nodes process the request.
	TargetExecutor string `json:"target_executor,omitempty"`
	ShardKey       string `json:"shard_key,omitempty"`
	// ContinueOnError records node failures in Errors instead of aborting the graph.
	ContinueOnError bool               `json:"continue_on_error,omitempty"`
	Route           []RouteEntry       `json:"route,omitempty"`
	Status          *Status            `json:"status,omitempty"`
	Errors          map[string]*Status `json:"errors,omitempty"`
}

// Request is an ordered batch of documents plus its header.
type Request struct {
	Header     Header               `json:"header"`
	Parameters map[string]any       `json:"parameters,omitempty"`
	Docs       []*document.Document `json:"docs,omitempty"`
}

// Response shares the wire shape of Request.
type Response = Request

// New creates a request with a fresh id.
func New(endpoint string, docs []*document.Document) *Request {
	return &Request{
		Header: Header{RequestID: uuid.NewString(), ExecEndpoint: endpoint},
		Docs:   docs,
	}
}

// SetParameter stores a scalar parameter.
func (r *Request) SetParameter(key string, value any) error {
	if !document.IsScalar(value) {
		return fmt.Errorf("parameter %q: value of type %T is not a scalar", key, value)
	}
	if r.Parameters == nil {
		r.Parameters = make(map[string]any)
	}
	r.Parameters[key] = value
	return nil
}

// Copy returns a request with its own header and document slice.
// Documents are shared; they must be treated as immutable by the holder.
func (r *Request) Copy() *Request {
	c := &Request{
		Header:     r.Header.clone(),
		Parameters: maps.Clone(r.Parameters),
		Docs:       slices.Clone(r.Docs),
	}
	return c
}

// Clone deep-copies the request including its documents.
func (r *Request) Clone() *Request {
	c := r.Copy()
	c.Docs = document.CloneAll(r.Docs)
	return c
}

func (h Header) clone() Header {
	c := h
	c.Route = slices.Clone(h.Route)
	if h.Status != nil {
		s := *h.Status
		c.Status = &s
	}
	if h.Errors != nil {
		c.Errors = make(map[string]*Status, len(h.Errors))
		for k, v := range h.Errors {
			s := *v
			c.Errors[k] = &s
		}
	}
	return c
}

// AddRoute appends a hop to the audit trail.
func (r *Request) AddRoute(executor string, start, end time.Time) {
	r.Header.Route = append(r.Header.Route, RouteEntry{Executor: executor, StartTime: start, EndTime: end})
}

// Executors lists route executors in hop order.
func (r *Request) Executors() []string {
	out := make([]string, 0, len(r.Header.Route))
	for _, e := range r.Header.Route {
		out = append(out, e.Executor)
	}
	return out
}

// AddError records an upstream failure of node and marks the response failed.
func (r *Request) AddError(node string, st *Status) {
	if r.Header.Errors == nil {
		r.Header.Errors = make(map[string]*Status)
	}
	r.Header.Errors[node] = st
	r.Header.Status = &Status{Code: StatusError, Description: "one or more nodes failed"}
}

// HasError reports whether the response carries any failure.
func (r *Request) HasError() bool {
	return r.Header.Status.IsError() || len(r.Header.Errors) > 0
}

// Validate checks the header and every document.
func (r *Request) Validate() error {
	if r.Header.RequestID == "" {
		return fmt.Errorf("%w: request_id is required", domain.ErrMalformedResponse)
	}
	seen := make(map[string]struct{}, len(r.Docs))
	for _, d := range r.Docs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", domain.ErrInvalidDocument, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	for k, v := range r.Parameters {
		if !document.IsScalar(v) {
			return fmt.Errorf("parameter %q holds %T", k, v)
		}
	}
	return nil
}

// Split batches docs into requests of at most size documents sharing endpoint.
func Split(endpoint string, docs []*document.Document, size int) []*Request {
	if size <= 0 {
		size = len(docs)
	}
	var out []*Request
	for chunk := range slices.Chunk(docs, max(size, 1)) {
		out = append(out, New(endpoint, chunk))
	}
	return out
}
