// Package email holds the in-process form of an outbound message and the
// helpers that render it to RFC 5322.
package email

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultContentSubtype is the body subtype used when none is set.
	DefaultContentSubtype = "plain"
	// DefaultMixedSubtype is the multipart subtype used when attachments exist.
	DefaultMixedSubtype = "mixed"
	// DefaultAttachmentType is used for attachments with an unknown type.
	DefaultAttachmentType = "application/octet-stream"
)

// Message is an outbound email as built by the caller.
type Message struct {
	Subject string
	Body    string
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	ReplyTo []string

	// Headers are extra header fields written on the top-level part.
	Headers map[string]string

	Attachments  []Attachment
	Alternatives []Alternative

	ContentSubtype string
	MixedSubtype   string

	// Extra carries application-defined attributes. Only names listed in
	// the configuration survive a trip through the queue.
	Extra map[string]any
}

// Alternative is an alternative rendering of the body, e.g. HTML.
type Alternative struct {
	Content  string
	Mimetype string
}

// New returns a message with the default subtypes set.
func New(subject, body, from string, to ...string) *Message {
	return &Message{
		Subject:        subject,
		Body:           body,
		From:           from,
		To:             to,
		Headers:        map[string]string{},
		ContentSubtype: DefaultContentSubtype,
		MixedSubtype:   DefaultMixedSubtype,
	}
}

// Attach adds a raw attachment. A text/* attachment whose content is not
// valid UTF-8 is downgraded to application/octet-stream.
func (m *Message) Attach(filename string, content []byte, mimetype string) {
	m.Attachments = append(m.Attachments, NewAttachment(filename, content, mimetype))
}

// AttachPart adds a MIME part verbatim.
func (m *Message) AttachPart(p *Part) {
	m.Attachments = append(m.Attachments, Attachment{Part: p})
}

// AttachFile reads path and attaches it under its base name. When mimetype
// is empty it is guessed from the file extension.
func (m *Message) AttachFile(path, mimetype string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("attach file: %w", err)
	}
	name := filepath.Base(path)
	if mimetype == "" {
		mimetype = GuessType(name)
	}
	m.Attach(name, content, mimetype)
	return nil
}

// AttachAlternative adds an alternative body rendering.
func (m *Message) AttachAlternative(content, mimetype string) {
	m.Alternatives = append(m.Alternatives, Alternative{Content: content, Mimetype: mimetype})
}

// Recipients returns every envelope recipient (to, cc and bcc) in order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// BodySubtype returns the configured content subtype or the default.
func (m *Message) BodySubtype() string {
	if m.ContentSubtype == "" {
		return DefaultContentSubtype
	}
	return m.ContentSubtype
}

// MultipartSubtype returns the configured mixed subtype or the default.
func (m *Message) MultipartSubtype() string {
	if m.MixedSubtype == "" {
		return DefaultMixedSubtype
	}
	return m.MixedSubtype
}

// NewAttachment builds a triple-form attachment, applying the text policy.
func NewAttachment(filename string, content []byte, mimetype string) Attachment {
	if mimetype == "" {
		mimetype = GuessType(filename)
	}
	if strings.HasPrefix(mimetype, "text/") && !utf8.Valid(content) {
		mimetype = DefaultAttachmentType
	}
	return Attachment{Filename: filename, Content: content, Mimetype: mimetype}
}

// GuessType returns the mime type for a filename's extension.
func GuessType(filename string) string {
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		// strip parameters such as "; charset=utf-8"
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return DefaultAttachmentType
}
