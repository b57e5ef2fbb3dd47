package flowgate

import (
	"github.com/kailas-cloud/flowgate/internal/domain/document"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/usecase/retry"
)

// Document is the unit of data sent through the graph.
type Document = document.Document

// Request is a batch of documents plus its routing header.
type Request = request.Request

// Response shares the wire shape of Request.
type Response = request.Response

// Header carries routing state of a request.
type Header = request.Header

// Status is a structured upstream outcome carried in a response header.
type Status = request.Status

// RouteEntry audits one hop through the graph.
type RouteEntry = request.RouteEntry

// NewDocument creates a document with the given id and text.
func NewDocument(id, text string) *Document {
	return document.New(id, text)
}

// RetryConfig bounds attempts and backoff of each request.
type RetryConfig = retry.Config
