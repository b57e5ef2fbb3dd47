// Package flowgate is the Go client of a flowgate gateway.
//
// A Client batches documents into requests, sends each one with a retry
// policy and hands every response to callbacks:
//
//	c, _ := flowgate.New("localhost:51000")
//	defer c.Close()
//
//	err := c.Post(ctx, "/index", flowgate.Docs(docs...),
//	    flowgate.WithRequestSize(32),
//	    flowgate.WithMaxAttempts(5),
//	    flowgate.OnDone(func(r *flowgate.Response) { store(r.Docs) }),
//	)
//
// # Producers
//
// Inputs may be a finite slice (Docs) or a channel fed by another goroutine
// (Channel). Requests are cut as documents arrive.
//
// # Streaming
//
// WithStream sends all requests over one bidirectional Call stream. A stream
// that breaks with a transient error is reopened under the retry policy and
// only the requests still unanswered are sent again.
//
// # Errors
//
// After the last attempt a transport failure is returned as-is with a
// client-attempts trailer (read it with ClientAttempts), as a
// *ConnectionError for socket failures, or as a cancellation status.
// Responses carrying an upstream error go to OnError; without OnError the
// first one is returned as an *Error of kind KindUpstream.
package flowgate
