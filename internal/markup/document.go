// Package markup holds the accumulated markup document of a run: the visible
// response text interleaved with tagged tool-call and subagent blocks.
//
// The document is a list of spans. Every tagged block is indexed by its id, so
// patching a block is a map lookup and never a text search. A Document is owned
// by a single run and is not safe for concurrent use.
package markup

import (
	"errors"
	"strings"
)

const (
	TagToolCall = "ToolCall"
	TagSubagent = "SubagentExecution"
)

var (
	ErrMissingID     = errors.New("markup: block id is required")
	ErrMissingTag    = errors.New("markup: block tag is required")
	ErrDuplicateID   = errors.New("markup: duplicate block id")
	ErrUnknownParent = errors.New("markup: unknown parent block")
	ErrNotContainer  = errors.New("markup: parent block cannot hold children")
)

type Attr struct {
	Key   string
	Value string
}

// Block describes one tagged block. Container blocks render an open and a
// close tag around their children; leaf blocks render self-closed.
type Block struct {
	ID        string
	Tag       string
	Attrs     []Attr
	Container bool
}

// Attr returns the value of key ("id" included).
func (b Block) Attr(key string) (string, bool) {
	if key == "id" {
		return b.ID, b.ID != ""
	}
	for _, a := range b.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// String renders the block as a standalone fragment.
func (b Block) String() string {
	var sb strings.Builder
	writeOpen(&sb, b.Tag, b.ID, b.Attrs, !b.Container)
	if b.Container {
		writeClose(&sb, b.Tag)
	}
	return sb.String()
}

// Patch updates attributes of the block with the given id. Keys already on the
// block keep their position; new keys are appended in order.
type Patch struct {
	ID  string
	Set []Attr
}

type span struct {
	text  *strings.Builder
	block *blockNode
}

type blockNode struct {
	Block
	children []*span
}

type Document struct {
	spans []*span
	index map[string]*blockNode
}

func New() *Document {
	return &Document{index: make(map[string]*blockNode)}
}

// AppendText appends s to the trailing text span. Text is stored verbatim and
// escaped when rendered.
func (d *Document) AppendText(s string) {
	if d == nil || s == "" {
		return
	}
	d.spans = appendText(d.spans, s)
}

// AppendBlock appends a top-level block.
func (d *Document) AppendBlock(b Block) error {
	if d == nil {
		return errors.New("markup: nil document")
	}
	n, err := d.register(b)
	if err != nil {
		return err
	}
	d.spans = append(d.spans, &span{block: n})
	return nil
}

// AppendChild appends b inside the container block parentID, at any depth.
func (d *Document) AppendChild(parentID string, b Block) error {
	if d == nil {
		return errors.New("markup: nil document")
	}
	parent, ok := d.index[strings.TrimSpace(parentID)]
	if !ok {
		return ErrUnknownParent
	}
	if !parent.Container {
		return ErrNotContainer
	}
	n, err := d.register(b)
	if err != nil {
		return err
	}
	parent.children = append(parent.children, &span{block: n})
	return nil
}

// AppendChildText appends text inside the container block parentID.
func (d *Document) AppendChildText(parentID string, s string) bool {
	if d == nil || s == "" {
		return false
	}
	parent, ok := d.index[strings.TrimSpace(parentID)]
	if !ok || !parent.Container {
		return false
	}
	parent.children = appendText(parent.children, s)
	return true
}

// Apply patches the block with p.ID in place. Unknown ids leave the document
// unchanged and report false.
func (d *Document) Apply(p Patch) bool {
	if d == nil {
		return false
	}
	n, ok := d.index[strings.TrimSpace(p.ID)]
	if !ok {
		return false
	}
	for _, a := range p.Set {
		key := strings.TrimSpace(a.Key)
		if key == "" || key == "id" {
			continue
		}
		replaced := false
		for i := range n.Attrs {
			if n.Attrs[i].Key == key {
				n.Attrs[i].Value = a.Value
				replaced = true
				break
			}
		}
		if !replaced {
			n.Attrs = append(n.Attrs, Attr{Key: key, Value: a.Value})
		}
	}
	return true
}

// Block returns a copy of the block with the given id.
func (d *Document) Block(id string) (Block, bool) {
	if d == nil {
		return Block{}, false
	}
	n, ok := d.index[strings.TrimSpace(id)]
	if !ok {
		return Block{}, false
	}
	out := n.Block
	out.Attrs = append([]Attr(nil), n.Attrs...)
	return out, true
}

// Len reports the number of indexed blocks.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.index)
}

// String renders the full document.
func (d *Document) String() string {
	if d == nil {
		return ""
	}
	var sb strings.Builder
	renderSpans(&sb, d.spans)
	return sb.String()
}

// PlainText returns only the top-level text spans, unescaped, i.e. the
// visible response.
func (d *Document) PlainText() string {
	if d == nil {
		return ""
	}
	var sb strings.Builder
	for _, s := range d.spans {
		if s.text != nil {
			sb.WriteString(s.text.String())
		}
	}
	return sb.String()
}

func (d *Document) register(b Block) (*blockNode, error) {
	b.ID = strings.TrimSpace(b.ID)
	b.Tag = strings.TrimSpace(b.Tag)
	if b.ID == "" {
		return nil, ErrMissingID
	}
	if b.Tag == "" {
		return nil, ErrMissingTag
	}
	if _, exists := d.index[b.ID]; exists {
		return nil, ErrDuplicateID
	}
	b.Attrs = append([]Attr(nil), b.Attrs...)
	n := &blockNode{Block: b}
	d.index[b.ID] = n
	return n, nil
}

func appendText(spans []*span, s string) []*span {
	if len(spans) > 0 {
		if last := spans[len(spans)-1]; last.text != nil {
			last.text.WriteString(s)
			return spans
		}
	}
	sb := &strings.Builder{}
	sb.WriteString(s)
	return append(spans, &span{text: sb})
}

func renderSpans(sb *strings.Builder, spans []*span) {
	for _, s := range spans {
		if s.text != nil {
			sb.WriteString(EscapeText(s.text.String()))
			continue
		}
		n := s.block
		writeOpen(sb, n.Tag, n.ID, n.Attrs, !n.Container)
		if n.Container {
			renderSpans(sb, n.children)
			writeClose(sb, n.Tag)
		}
	}
}
