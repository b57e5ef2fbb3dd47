// Package reduce merges partial responses that refer to the same logical request.
package reduce

import (
	"github.com/kailas-cloud/flowgate/internal/domain/document"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
)

// Reduce returns r1 absorbing r2. Documents are matched by id; data fields
// already set in r1 win, unset ones are filled from r2, and chunks and
// matches merge recursively. Inputs are not modified.
func Reduce(r1, r2 *request.Response) *request.Response {
	out := r1.Clone()
	absorb(out, r2)
	return out
}

// ReduceAll is the left fold of Reduce over responses.
func ReduceAll(responses []*request.Response) *request.Response {
	if len(responses) == 0 {
		return nil
	}
	out := responses[0].Clone()
	ids := indexByID(out.Docs)
	for _, r := range responses[1:] {
		absorbWithIndex(out, r, ids)
	}
	return out
}

// ReduceAllDAC splits responses in halves, reduces each recursively and
// merges the right half into the left. It yields the same result as ReduceAll.
func ReduceAllDAC(responses []*request.Response) *request.Response {
	switch len(responses) {
	case 0:
		return nil
	case 1:
		return responses[0].Clone()
	}
	mid := len(responses) / 2
	left := ReduceAllDAC(responses[:mid])
	right := ReduceAllDAC(responses[mid:])
	absorb(left, right)
	return left
}

// Concat joins documents of all responses in order without merging by id.
// Headers are merged like in ReduceAll.
func Concat(responses []*request.Response) *request.Response {
	if len(responses) == 0 {
		return nil
	}
	out := responses[0].Copy()
	for _, r := range responses[1:] {
		out.Docs = append(out.Docs, r.Docs...)
		mergeHeader(out, r)
	}
	return out
}

func absorb(dst, src *request.Response) {
	absorbWithIndex(dst, src, indexByID(dst.Docs))
}

func absorbWithIndex(dst, src *request.Response, ids map[string]int) {
	dst.Docs = mergeDocs(dst.Docs, src.Docs, ids)
	mergeHeader(dst, src)
	for k, v := range src.Parameters {
		if _, ok := dst.Parameters[k]; !ok {
			if dst.Parameters == nil {
				dst.Parameters = make(map[string]any)
			}
			dst.Parameters[k] = v
		}
	}
}

// mergeHeader unions routes (dedup by executor and start) and node errors.
func mergeHeader(dst, src *request.Response) {
	type hop struct {
		executor string
		start    int64
	}
	seen := make(map[hop]struct{}, len(dst.Header.Route))
	for _, e := range dst.Header.Route {
		seen[hop{e.Executor, e.StartTime.UnixNano()}] = struct{}{}
	}
	for _, e := range src.Header.Route {
		h := hop{e.Executor, e.StartTime.UnixNano()}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		dst.Header.Route = append(dst.Header.Route, e)
	}
	for node, st := range src.Header.Errors {
		if _, ok := dst.Header.Errors[node]; !ok {
			dst.AddError(node, st)
		}
	}
	// first error status wins, otherwise the first status set
	if src.Header.Status != nil && (dst.Header.Status == nil ||
		(src.Header.Status.IsError() && !dst.Header.Status.IsError())) {
		s := *src.Header.Status
		dst.Header.Status = &s
	}
}

func indexByID(docs []*document.Document) map[string]int {
	ids := make(map[string]int, len(docs))
	for i, d := range docs {
		if _, ok := ids[d.ID]; !ok {
			ids[d.ID] = i
		}
	}
	return ids
}

// mergeDocs absorbs src into dst in place. dst's documents must be owned by
// the caller; documents taken from src are cloned.
func mergeDocs(dst, src []*document.Document, ids map[string]int) []*document.Document {
	for _, d := range src {
		if i, ok := ids[d.ID]; ok {
			mergeDoc(dst[i], d)
			continue
		}
		ids[d.ID] = len(dst)
		dst = append(dst, d.Clone())
	}
	return dst
}

func mergeDoc(d1, d2 *document.Document) {
	if d1.Text == "" {
		d1.Text = d2.Text
	}
	if d1.Embedding == nil && d2.Embedding != nil {
		d1.Embedding = append([]float32(nil), d2.Embedding...)
	}
	if d1.Blob == nil && d2.Blob != nil {
		d1.Blob = append([]byte(nil), d2.Blob...)
	}
	if d1.MimeType == "" {
		d1.MimeType = d2.MimeType
	}
	if d1.ParentID == "" {
		d1.ParentID = d2.ParentID
	}
	for k, v := range d2.Tags {
		if _, ok := d1.Tags[k]; !ok {
			if d1.Tags == nil {
				d1.Tags = make(map[string]any, len(d2.Tags))
			}
			d1.Tags[k] = v
		}
	}
	for k, v := range d2.Evaluations {
		if _, ok := d1.Evaluations[k]; !ok {
			if d1.Evaluations == nil {
				d1.Evaluations = make(map[string]float64, len(d2.Evaluations))
			}
			d1.Evaluations[k] = v
		}
	}
	if len(d2.Chunks) > 0 {
		d1.Chunks = mergeDocs(d1.Chunks, d2.Chunks, indexByID(d1.Chunks))
	}
	if len(d2.Matches) > 0 {
		d1.Matches = mergeDocs(d1.Matches, d2.Matches, indexByID(d1.Matches))
	}
}
