package markup

import (
	"fmt"
	"html"
	"strings"
)

// Tags recognized by Parse. Everything else, including other angle-bracket
// text, stays literal text.
var knownTags = map[string]bool{
	TagToolCall: true,
	TagSubagent: true,
}

// Parse rebuilds an indexed Document from rendered markup, for example a
// persisted message. Nested blocks of the same tag are matched by a stack.
func Parse(s string) (*Document, error) {
	d := New()
	type frame struct {
		id string
	}
	var stack []frame

	appendTextAt := func(text string) {
		if text == "" {
			return
		}
		text = html.UnescapeString(text)
		if len(stack) == 0 {
			d.AppendText(text)
			return
		}
		d.AppendChildText(stack[len(stack)-1].id, text)
	}

	i := 0
	textStart := 0
	for i < len(s) {
		if s[i] != '<' {
			i++
			continue
		}
		if strings.HasPrefix(s[i:], "</") {
			tag, end, ok := scanCloseTag(s, i)
			if ok && len(stack) > 0 {
				top := d.index[stack[len(stack)-1].id]
				if top != nil && top.Tag == tag {
					appendTextAt(s[textStart:i])
					stack = stack[:len(stack)-1]
					i = end
					textStart = i
					continue
				}
			}
			i++
			continue
		}
		b, selfClose, end, ok := scanOpenTag(s, i)
		if !ok {
			i++
			continue
		}
		appendTextAt(s[textStart:i])
		b.Container = !selfClose
		var err error
		if len(stack) == 0 {
			err = d.AppendBlock(b)
		} else {
			err = d.AppendChild(stack[len(stack)-1].id, b)
		}
		if err != nil {
			return nil, fmt.Errorf("parse block %q: %w", b.ID, err)
		}
		if !selfClose {
			stack = append(stack, frame{id: b.ID})
		}
		i = end
		textStart = i
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("markup: unclosed block %q", stack[len(stack)-1].id)
	}
	appendTextAt(s[textStart:])
	return d, nil
}

func scanTagName(s string, i int) (string, int) {
	j := i
	for j < len(s) {
		c := s[j]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			j++
			continue
		}
		break
	}
	return s[i:j], j
}

func scanCloseTag(s string, i int) (string, int, bool) {
	name, j := scanTagName(s, i+2)
	if !knownTags[name] || j >= len(s) || s[j] != '>' {
		return "", 0, false
	}
	return name, j + 1, true
}

func scanOpenTag(s string, i int) (Block, bool, int, bool) {
	name, j := scanTagName(s, i+1)
	if !knownTags[name] {
		return Block{}, false, 0, false
	}
	b := Block{Tag: name}
	for {
		for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n') {
			j++
		}
		if j >= len(s) {
			return Block{}, false, 0, false
		}
		if strings.HasPrefix(s[j:], "/>") {
			return finishOpenTag(b, true, j+2)
		}
		if s[j] == '>' {
			return finishOpenTag(b, false, j+1)
		}
		k := j
		for k < len(s) && s[k] != '=' && s[k] != ' ' && s[k] != '>' && s[k] != '/' {
			k++
		}
		key := s[j:k]
		if key == "" || !strings.HasPrefix(s[k:], `="`) {
			return Block{}, false, 0, false
		}
		valStart := k + 2
		valEnd := strings.IndexByte(s[valStart:], '"')
		if valEnd < 0 {
			return Block{}, false, 0, false
		}
		value := html.UnescapeString(s[valStart : valStart+valEnd])
		if key == "id" {
			b.ID = value
		} else {
			b.Attrs = append(b.Attrs, Attr{Key: key, Value: value})
		}
		j = valStart + valEnd + 1
	}
}

func finishOpenTag(b Block, selfClose bool, end int) (Block, bool, int, bool) {
	if strings.TrimSpace(b.ID) == "" {
		return Block{}, false, 0, false
	}
	return b, selfClose, end, true
}
