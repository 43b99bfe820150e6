// Package query turns a topic into a search-engine request URL.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Placeholder marks where the encoded topic goes in a search engine template.
// A literal percent sign is written as "%%".
const Placeholder = "%s"

// ErrTemplate is returned by Fill when a template cannot take exactly one topic.
var ErrTemplate = errors.New("malformed search template")

// Builder fills search templates and logs templates it cannot use.
type Builder struct {
	logger *zap.Logger
}

// NewBuilder returns a Builder. A nil logger discards output.
func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{logger: logger}
}

// BuildURL substitutes the percent-encoded topic into template. When the
// template does not contain exactly one placeholder, the failure is logged and
// the template is returned unmodified so the caller can still try it.
func (b *Builder) BuildURL(template, topic string) string {
	out, err := Fill(template, Encode(topic))
	if err != nil {
		b.logger.Error("could not join search template and topic",
			zap.String("template", template),
			zap.String("topic", topic),
			zap.Error(err),
		)
		return strings.TrimSpace(template)
	}
	return strings.TrimSpace(out)
}

// BuildURL is the package-level form of Builder.BuildURL with logging discarded.
func BuildURL(template, topic string) string {
	return NewBuilder(nil).BuildURL(template, topic)
}

// Encode percent-encodes s keeping only RFC 3986 unreserved characters; a
// space becomes "%20".
func Encode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Fill replaces the single "%s" in template with value and collapses "%%".
// Any other verb, a dangling "%", or a placeholder count other than one is an error.
func Fill(template, value string) (string, error) {
	var (
		sb    strings.Builder
		slots int
	)
	sb.Grow(len(template) + len(value))
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		if i+1 >= len(template) {
			return "", fmt.Errorf("%w: dangling %% at end", ErrTemplate)
		}
		i++
		switch template[i] {
		case '%':
			sb.WriteByte('%')
		case 's':
			slots++
			sb.WriteString(value)
		default:
			return "", fmt.Errorf("%w: unsupported directive %%%c at offset %d", ErrTemplate, template[i], i-1)
		}
	}
	if slots != 1 {
		return "", fmt.Errorf("%w: want exactly one %s, found %d", ErrTemplate, Placeholder, slots)
	}
	return sb.String(), nil
}
