package markup

import (
	"html"
	"strings"
)

func writeOpen(sb *strings.Builder, tag string, id string, attrs []Attr, selfClose bool) {
	sb.WriteByte('<')
	sb.WriteString(tag)
	writeAttr(sb, "id", id)
	for _, a := range attrs {
		writeAttr(sb, a.Key, a.Value)
	}
	if selfClose {
		sb.WriteString(" />")
		return
	}
	sb.WriteByte('>')
}

func writeClose(sb *strings.Builder, tag string) {
	sb.WriteString("</")
	sb.WriteString(tag)
	sb.WriteByte('>')
}

func writeAttr(sb *strings.Builder, key string, value string) {
	sb.WriteByte(' ')
	sb.WriteString(key)
	sb.WriteString(`="`)
	sb.WriteString(Escape(value))
	sb.WriteByte('"')
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;")

// EscapeText makes s safe as a text span: no part of it can be read back as a
// tag.
func EscapeText(s string) string {
	return textEscaper.Replace(s)
}

// Escape makes value safe inside a double-quoted attribute.
func Escape(value string) string {
	return html.EscapeString(value)
}
