package email

import (
	"mime"
	"strings"
)

// Attachment is either a (filename, content, mimetype) triple or, when Part
// is set, a pre-built MIME part carrying its own headers.
type Attachment struct {
	Filename string
	Content  []byte
	Mimetype string
	Part     *Part
}

// IsPart reports whether the attachment is in MIME-part form.
func (a Attachment) IsPart() bool {
	return a.Part != nil
}

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered header list. Names compare case-insensitively.
type Header []Field

// Get returns the first value for name.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Replace overwrites the first field named name in place, or appends it.
func (h *Header) Replace(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	h.Add(name, value)
}

// Clone returns a copy that shares nothing with h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

// Part is a MIME attachment part: an ordered header list and the decoded
// payload.
type Part struct {
	Header  Header
	Content []byte
}

// NewPart builds a base64-encoded part of the given type, the way a
// standalone MIME image or audio part is usually produced.
func NewPart(mimetype string, content []byte) *Part {
	if mimetype == "" {
		mimetype = DefaultAttachmentType
	}
	p := &Part{Content: content}
	p.Header.Add("Content-Type", mimetype)
	p.Header.Add("MIME-Version", "1.0")
	p.Header.Add("Content-Transfer-Encoding", "base64")
	return p
}

// SetFilename marks the part as an attachment named filename.
func (p *Part) SetFilename(filename string) {
	p.Header.Replace("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
}

// Filename returns the Content-Disposition filename, or "".
func (p *Part) Filename() string {
	v := p.Header.Get("Content-Disposition")
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// ContentType returns the bare media type of the part.
func (p *Part) ContentType() string {
	v := p.Header.Get("Content-Type")
	if v == "" {
		return DefaultAttachmentType
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return DefaultAttachmentType
	}
	return mt
}
