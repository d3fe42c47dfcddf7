package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"asyncmail/email"
)

// ErrMalformed reports input the codec cannot interpret as a message.
var ErrMalformed = errors.New("malformed message")

// Codec encodes and decodes messages. ExtraAttributes names the message
// attributes that travel alongside the standard fields.
type Codec struct {
	extra []string
}

// New returns a codec carrying the given extra attribute names. Reserved
// wire keys are ignored.
func New(extraAttributes []string) *Codec {
	c := &Codec{}
	for _, name := range extraAttributes {
		if name == "" || Reserved(name) {
			continue
		}
		c.extra = append(c.extra, name)
	}
	return c
}

// ExtraAttributes returns the configured extra attribute names.
func (c *Codec) ExtraAttributes() []string {
	return append([]string(nil), c.extra...)
}

// Encode converts v to its wire form. Values that are already wire-shaped
// (WireMessage, *WireMessage or a map) pass through unchanged.
func (c *Codec) Encode(v any) (WireMessage, error) {
	switch m := v.(type) {
	case WireMessage:
		return m, nil
	case *WireMessage:
		if m == nil {
			return WireMessage{}, fmt.Errorf("%w: nil wire message", ErrMalformed)
		}
		return *m, nil
	case map[string]any:
		return fromMap(m)
	case *email.Message:
		if m == nil {
			return WireMessage{}, fmt.Errorf("%w: nil message", ErrMalformed)
		}
		return c.encodeMessage(m), nil
	case email.Message:
		return c.encodeMessage(&m), nil
	default:
		return WireMessage{}, fmt.Errorf("%w: unsupported type %T", ErrMalformed, v)
	}
}

// EncodeAll encodes every item in order.
func (c *Codec) EncodeAll(items ...any) (Batch, error) {
	out := make(Batch, 0, len(items))
	for i, item := range items {
		w, err := c.Encode(item)
		if err != nil {
			return nil, fmt.Errorf("encode message %d: %w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func fromMap(m map[string]any) (WireMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return WireMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return WireMessage{}, err
	}
	return w, nil
}

func (c *Codec) encodeMessage(m *email.Message) WireMessage {
	w := WireMessage{
		Subject:     m.Subject,
		Body:        m.Body,
		FromEmail:   m.From,
		To:          emptyIfNil(cloneStrings(m.To)),
		Bcc:         emptyIfNil(cloneStrings(m.Bcc)),
		Cc:          emptyIfNil(cloneStrings(m.Cc)),
		Headers:     make(map[string]string, len(m.Headers)),
		Attachments: make([]WireAttachment, 0, len(m.Attachments)),
		ReplyTo:     emptyIfNil(cloneStrings(m.ReplyTo)),
	}
	for k, v := range m.Headers {
		w.Headers[k] = v
	}

	for i, a := range m.Attachments {
		if a.Part == nil {
			w.Attachments = append(w.Attachments, WireAttachment{
				Filename: a.Filename,
				Content:  base64.StdEncoding.EncodeToString(a.Content),
				Mimetype: a.Mimetype,
			})
			continue
		}
		w.Attachments = append(w.Attachments, WireAttachment{
			Filename: a.Part.Filename(),
			Content:  base64.StdEncoding.EncodeToString(a.Part.Content),
			Mimetype: a.Part.ContentType(),
		})
		pairs := make([]HeaderPair, 0, len(a.Part.Header))
		for _, f := range a.Part.Header {
			pairs = append(pairs, HeaderPair{f.Name, f.Value})
		}
		if w.AttachmentHeaders == nil {
			w.AttachmentHeaders = make(map[string][]HeaderPair)
		}
		w.AttachmentHeaders[strconv.Itoa(i)] = pairs
	}

	for _, alt := range m.Alternatives {
		w.Alternatives = append(w.Alternatives, WireAlternative{Content: alt.Content, Mimetype: alt.Mimetype})
	}
	if st := m.ContentSubtype; st != "" && st != email.DefaultContentSubtype {
		w.ContentSubtype = st
	}
	if st := m.MixedSubtype; st != "" && st != email.DefaultMixedSubtype {
		w.MixedSubtype = st
	}
	for _, name := range c.extra {
		if v, ok := m.Extra[name]; ok {
			if w.Extra == nil {
				w.Extra = make(map[string]any)
			}
			w.Extra[name] = cloneValue(v)
		}
	}
	return w
}

// Decode rebuilds a sendable message from its wire form. w is not modified.
//
// MIME parts are always rebuilt base64-encoded, with MIME-Version and
// Content-Type added when their recorded headers lack them. Encoding the
// result therefore reproduces w only when its parts already carried those
// headers; a second round trip is stable.
func (c *Codec) Decode(w WireMessage) (*email.Message, error) {
	w = w.Clone()

	m := &email.Message{
		Subject:        w.Subject,
		Body:           w.Body,
		From:           w.FromEmail,
		To:             w.To,
		Cc:             w.Cc,
		Bcc:            w.Bcc,
		ReplyTo:        w.ReplyTo,
		Headers:        w.Headers,
		ContentSubtype: email.DefaultContentSubtype,
		MixedSubtype:   email.DefaultMixedSubtype,
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}

	for i, wa := range w.Attachments {
		content, err := base64.StdEncoding.DecodeString(wa.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %d: %v", ErrMalformed, i, err)
		}
		recorded, ok := w.AttachmentHeaders[strconv.Itoa(i)]
		if !ok {
			m.Attachments = append(m.Attachments, decodeAttachment(wa, content))
			continue
		}
		m.AttachPart(rebuildPart(wa, content, recorded))
	}

	for _, alt := range w.Alternatives {
		m.AttachAlternative(alt.Content, alt.Mimetype)
	}
	if w.ContentSubtype != "" {
		m.ContentSubtype = w.ContentSubtype
	}
	if w.MixedSubtype != "" {
		m.MixedSubtype = w.MixedSubtype
	}
	for _, name := range c.extra {
		if v, ok := w.Extra[name]; ok {
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[name] = v
		}
	}
	return m, nil
}

// DecodeAll decodes a whole batch, stopping at the first malformed message.
func (c *Codec) DecodeAll(b Batch) ([]*email.Message, error) {
	out := make([]*email.Message, 0, len(b))
	for i, w := range b {
		m, err := c.Decode(w)
		if err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// decodeAttachment keeps text/* payloads as text; bytes that are not valid
// UTF-8 fall back to application/octet-stream.
func decodeAttachment(wa WireAttachment, content []byte) email.Attachment {
	mimetype := wa.Mimetype
	if strings.HasPrefix(mimetype, "text/") && !utf8.Valid(content) {
		mimetype = email.DefaultAttachmentType
	}
	return email.Attachment{Filename: wa.Filename, Content: content, Mimetype: mimetype}
}

// rebuildPart applies the recorded headers in order, replacing a header that
// is already present and adding it otherwise. Content-Type and MIME-Version
// are only added when the record lacks them, and the transfer encoding is
// always base64.
func rebuildPart(wa WireAttachment, content []byte, recorded []HeaderPair) *email.Part {
	p := &email.Part{Content: content}
	for _, pair := range recorded {
		p.Header.Replace(pair[0], pair[1])
	}
	if !p.Header.Has("Content-Type") {
		mimetype := wa.Mimetype
		if mimetype == "" {
			mimetype = email.DefaultAttachmentType
		}
		p.Header.Add("Content-Type", mimetype)
	}
	if !p.Header.Has("MIME-Version") {
		p.Header.Add("MIME-Version", "1.0")
	}
	p.Header.Replace("Content-Transfer-Encoding", "base64")
	return p
}
