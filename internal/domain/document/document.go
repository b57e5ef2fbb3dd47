package document

import (
	"fmt"
	"maps"

	"github.com/kailas-cloud/flowgate/internal/domain"
)

// Document is the unit of data flowing through the graph.
// Identity is ID; children in Chunks and Matches are owned by the document.
type Document struct {
	ID          string             `json:"id"`
	ParentID    string             `json:"parent_id,omitempty"`
	Granularity int                `json:"granularity,omitempty"`
	Adjacency   int                `json:"adjacency,omitempty"`
	Text        string             `json:"text,omitempty"`
	Embedding   []float32          `json:"embedding,omitempty"`
	Blob        []byte             `json:"blob,omitempty"`
	MimeType    string             `json:"mime_type,omitempty"`
	Tags        map[string]any     `json:"tags,omitempty"`
	Chunks      []*Document        `json:"chunks,omitempty"`
	Matches     []*Document        `json:"matches,omitempty"`
	Evaluations map[string]float64 `json:"evaluations,omitempty"`
}

// New creates a document with the given id and text.
func New(id, text string) *Document {
	return &Document{ID: id, Text: text}
}

// AddChunk appends c as a child, fixing its parent link and granularity.
func (d *Document) AddChunk(c *Document) {
	c.ParentID = d.ID
	c.Granularity = d.Granularity + 1
	c.Adjacency = d.Adjacency
	d.Chunks = append(d.Chunks, c)
}

// AddMatch appends m as a ranked reference one adjacency level below d.
func (d *Document) AddMatch(m *Document) {
	m.Adjacency = d.Adjacency + 1
	m.Granularity = d.Granularity
	d.Matches = append(d.Matches, m)
}

// SetTag stores a scalar tag value.
func (d *Document) SetTag(key string, value any) error {
	if !IsScalar(value) {
		return fmt.Errorf("tag %q: %w: value of type %T is not a scalar", key, domain.ErrInvalidDocument, value)
	}
	if d.Tags == nil {
		d.Tags = make(map[string]any)
	}
	d.Tags[key] = value
	return nil
}

// Tag returns the tag value and whether it is present.
func (d *Document) Tag(key string) (any, bool) {
	v, ok := d.Tags[key]
	return v, ok
}

// Clone deep-copies the document and its children.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Embedding != nil {
		c.Embedding = append([]float32(nil), d.Embedding...)
	}
	if d.Blob != nil {
		c.Blob = append([]byte(nil), d.Blob...)
	}
	c.Tags = maps.Clone(d.Tags)
	c.Evaluations = maps.Clone(d.Evaluations)
	c.Chunks = CloneAll(d.Chunks)
	c.Matches = CloneAll(d.Matches)
	return &c
}

// CloneAll deep-copies a document list.
func CloneAll(docs []*Document) []*Document {
	if docs == nil {
		return nil
	}
	out := make([]*Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}

// Validate checks id presence, tag scalars and the chunk/match tree invariants.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrInvalidDocument)
	}
	for k, v := range d.Tags {
		if !IsScalar(v) {
			return fmt.Errorf("%w: document %s tag %q holds %T", domain.ErrInvalidDocument, d.ID, k, v)
		}
	}
	for _, c := range d.Chunks {
		if c.ParentID != d.ID {
			return fmt.Errorf("%w: chunk %s has parent %q, want %q", domain.ErrInvalidDocument, c.ID, c.ParentID, d.ID)
		}
		if c.Granularity != d.Granularity+1 {
			return fmt.Errorf("%w: chunk %s granularity %d, want %d",
				domain.ErrInvalidDocument, c.ID, c.Granularity, d.Granularity+1)
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, m := range d.Matches {
		if m.Adjacency != d.Adjacency+1 {
			return fmt.Errorf("%w: match %s adjacency %d, want %d",
				domain.ErrInvalidDocument, m.ID, m.Adjacency, d.Adjacency+1)
		}
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MatchesTags reports whether every key in cond is present in d.Tags with an equal value.
func (d *Document) MatchesTags(cond map[string]any) bool {
	for k, want := range cond {
		got, ok := d.Tags[k]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

// IsScalar reports whether v may be stored as a tag or parameter value.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}

// scalarEqual compares scalars, treating all numeric types by value
// since JSON decoding turns every number into float64.
func scalarEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
