// Package codec converts outbound messages to and from the queue-safe wire
// form that crosses the task queue.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire keys that are always present.
const (
	KeySubject     = "subject"
	KeyBody        = "body"
	KeyFromEmail   = "from_email"
	KeyTo          = "to"
	KeyBcc         = "bcc"
	KeyCc          = "cc"
	KeyHeaders     = "headers"
	KeyAttachments = "attachments"
	KeyReplyTo     = "reply_to"
)

// Wire keys present only when they differ from the default.
const (
	KeyAlternatives      = "alternatives"
	KeyContentSubtype    = "content_subtype"
	KeyMixedSubtype      = "mixed_subtype"
	KeyAttachmentHeaders = "attachment_headers"
)

var reserved = map[string]bool{
	KeySubject: true, KeyBody: true, KeyFromEmail: true, KeyTo: true, KeyBcc: true,
	KeyCc: true, KeyHeaders: true, KeyAttachments: true, KeyReplyTo: true,
	KeyAlternatives: true, KeyContentSubtype: true, KeyMixedSubtype: true,
	KeyAttachmentHeaders: true,
}

// Reserved reports whether name is a wire key and so cannot be used as an
// extra attribute name.
func Reserved(name string) bool {
	return reserved[name]
}

// WireMessage is the serialization-safe projection of an email.Message.
// Attachment payloads are base64 text; optional fields are empty when they
// hold their default.
type WireMessage struct {
	Subject     string
	Body        string
	FromEmail   string
	To          []string
	Bcc         []string
	Cc          []string
	Headers     map[string]string
	Attachments []WireAttachment
	ReplyTo     []string

	Alternatives      []WireAlternative
	ContentSubtype    string
	MixedSubtype      string
	AttachmentHeaders map[string][]HeaderPair

	// Extra holds every key not listed above.
	Extra map[string]any
}

// WireAttachment is encoded as the 3-tuple [filename, base64, mimetype];
// empty filename or mimetype are written as null.
type WireAttachment struct {
	Filename string
	Content  string
	Mimetype string
}

// WireAlternative is encoded as the pair [content, mimetype].
type WireAlternative struct {
	Content  string
	Mimetype string
}

// HeaderPair is a recorded MIME part header, encoded as [name, value].
type HeaderPair [2]string

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (a WireAttachment) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{nullable(a.Filename), a.Content, nullable(a.Mimetype)})
}

func (a *WireAttachment) UnmarshalJSON(data []byte) error {
	var parts []*string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: attachment: %v", ErrMalformed, err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("%w: attachment has %d fields, want 3", ErrMalformed, len(parts))
	}
	*a = WireAttachment{}
	if parts[0] != nil {
		a.Filename = *parts[0]
	}
	if parts[1] != nil {
		a.Content = *parts[1]
	}
	if parts[2] != nil {
		a.Mimetype = *parts[2]
	}
	return nil
}

func (a WireAlternative) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{a.Content, a.Mimetype})
}

func (a *WireAlternative) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: alternative: %v", ErrMalformed, err)
	}
	a.Content, a.Mimetype = pair[0], pair[1]
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (w WireMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(w.Extra)+13)
	for k, v := range w.Extra {
		out[k] = v
	}
	headers := w.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	attachments := w.Attachments
	if attachments == nil {
		attachments = []WireAttachment{}
	}
	out[KeySubject] = w.Subject
	out[KeyBody] = w.Body
	out[KeyFromEmail] = w.FromEmail
	out[KeyTo] = emptyIfNil(w.To)
	out[KeyBcc] = emptyIfNil(w.Bcc)
	out[KeyCc] = emptyIfNil(w.Cc)
	out[KeyHeaders] = headers
	out[KeyAttachments] = attachments
	out[KeyReplyTo] = emptyIfNil(w.ReplyTo)
	if len(w.Alternatives) > 0 {
		out[KeyAlternatives] = w.Alternatives
	}
	if w.ContentSubtype != "" {
		out[KeyContentSubtype] = w.ContentSubtype
	}
	if w.MixedSubtype != "" {
		out[KeyMixedSubtype] = w.MixedSubtype
	}
	if len(w.AttachmentHeaders) > 0 {
		out[KeyAttachmentHeaders] = w.AttachmentHeaders
	}
	return json.Marshal(out)
}

func (w *WireMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var out WireMessage
	fields := map[string]any{
		KeySubject:           &out.Subject,
		KeyBody:              &out.Body,
		KeyFromEmail:         &out.FromEmail,
		KeyTo:                &out.To,
		KeyBcc:               &out.Bcc,
		KeyCc:                &out.Cc,
		KeyHeaders:           &out.Headers,
		KeyAttachments:       &out.Attachments,
		KeyReplyTo:           &out.ReplyTo,
		KeyAlternatives:      &out.Alternatives,
		KeyContentSubtype:    &out.ContentSubtype,
		KeyMixedSubtype:      &out.MixedSubtype,
		KeyAttachmentHeaders: &out.AttachmentHeaders,
	}
	for key, value := range raw {
		target, known := fields[key]
		if !known {
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
			}
			if out.Extra == nil {
				out.Extra = make(map[string]any)
			}
			out.Extra[key] = v
			continue
		}
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(value, target); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
	}
	out.To = emptyIfNil(out.To)
	out.Bcc = emptyIfNil(out.Bcc)
	out.Cc = emptyIfNil(out.Cc)
	out.ReplyTo = emptyIfNil(out.ReplyTo)
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	if out.Attachments == nil {
		out.Attachments = []WireAttachment{}
	}
	*w = out
	return nil
}

// Clone returns a deep copy of w.
func (w WireMessage) Clone() WireMessage {
	out := w
	out.To = cloneStrings(w.To)
	out.Bcc = cloneStrings(w.Bcc)
	out.Cc = cloneStrings(w.Cc)
	out.ReplyTo = cloneStrings(w.ReplyTo)
	if w.Headers != nil {
		out.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			out.Headers[k] = v
		}
	}
	if w.Attachments != nil {
		out.Attachments = append([]WireAttachment{}, w.Attachments...)
	}
	if w.Alternatives != nil {
		out.Alternatives = append([]WireAlternative{}, w.Alternatives...)
	}
	if w.AttachmentHeaders != nil {
		out.AttachmentHeaders = make(map[string][]HeaderPair, len(w.AttachmentHeaders))
		for k, v := range w.AttachmentHeaders {
			out.AttachmentHeaders[k] = append([]HeaderPair{}, v...)
		}
	}
	if w.Extra != nil {
		out.Extra = make(map[string]any, len(w.Extra))
		for k, v := range w.Extra {
			out.Extra[k] = cloneValue(v)
		}
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, x := range t {
			out[k] = x
		}
		return out
	case []string:
		return append([]string{}, t...)
	default:
		return v
	}
}

// Batch is the message list of one queued task. Its JSON decoder accepts a
// single wire object as well as an array.
type Batch []WireMessage

func (b *Batch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var single WireMessage
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*b = Batch{single}
		return nil
	}
	var list []WireMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*b = list
	return nil
}

// Clone deep-copies every message in the batch.
func (b Batch) Clone() Batch {
	if b == nil {
		return nil
	}
	out := make(Batch, len(b))
	for i, w := range b {
		out[i] = w.Clone()
	}
	return out
}
