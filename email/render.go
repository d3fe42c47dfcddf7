package email

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"sort"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
)

// Render writes the message as RFC 5322 text.
func (m *Message) Render(w io.Writer) error {
	h, err := m.topHeader()
	if err != nil {
		return err
	}

	if len(m.Attachments) == 0 && len(m.Alternatives) == 0 {
		setTextType(&h.Header, "text/"+m.BodySubtype())
		mw, err := gomessage.CreateWriter(w, h.Header)
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		if _, err := io.WriteString(mw, m.Body); err != nil {
			return fmt.Errorf("render body: %w", err)
		}
		return mw.Close()
	}

	if len(m.Attachments) == 0 {
		h.SetContentType("multipart/alternative", nil)
		mw, err := gomessage.CreateWriter(w, h.Header)
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		if err := m.writeAlternatives(mw); err != nil {
			return err
		}
		return mw.Close()
	}

	h.SetContentType("multipart/"+m.MultipartSubtype(), nil)
	mw, err := gomessage.CreateWriter(w, h.Header)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if len(m.Alternatives) > 0 {
		var ah gomessage.Header
		ah.SetContentType("multipart/alternative", nil)
		aw, err := mw.CreatePart(ah)
		if err != nil {
			return fmt.Errorf("render alternatives: %w", err)
		}
		if err := m.writeAlternatives(aw); err != nil {
			return err
		}
		if err := aw.Close(); err != nil {
			return err
		}
	} else if err := writeText(mw, "text/"+m.BodySubtype(), m.Body); err != nil {
		return err
	}
	for i, a := range m.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return fmt.Errorf("render attachment %d: %w", i, err)
		}
	}
	return mw.Close()
}

// Bytes renders the message into memory.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) topHeader() (gomail.Header, error) {
	var h gomail.Header
	h.SetDate(time.Now())
	h.SetSubject(m.Subject)
	if err := setAddresses(&h, "From", []string{m.From}); err != nil {
		return h, err
	}
	for _, field := range []struct {
		key  string
		list []string
	}{{"To", m.To}, {"Cc", m.Cc}, {"Reply-To", m.ReplyTo}} {
		if err := setAddresses(&h, field.key, field.list); err != nil {
			return h, err
		}
	}
	if err := h.GenerateMessageID(); err != nil {
		return h, fmt.Errorf("render: message id: %w", err)
	}
	h.Set("MIME-Version", "1.0")

	// custom headers win over the generated ones
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, mime.QEncoding.Encode("utf-8", m.Headers[k]))
	}
	return h, nil
}

func setAddresses(h *gomail.Header, key string, values []string) error {
	var addrs []*gomail.Address
	for _, v := range values {
		if v == "" {
			continue
		}
		parsed, err := gomail.ParseAddressList(v)
		if err != nil {
			return fmt.Errorf("render: %s %q: %w", key, v, ErrInvalidAddress)
		}
		addrs = append(addrs, parsed...)
	}
	if len(addrs) > 0 {
		h.SetAddressList(key, addrs)
	}
	return nil
}

func (m *Message) writeAlternatives(mw *gomessage.Writer) error {
	if err := writeText(mw, "text/"+m.BodySubtype(), m.Body); err != nil {
		return err
	}
	for _, alt := range m.Alternatives {
		if err := writeText(mw, alt.Mimetype, alt.Content); err != nil {
			return err
		}
	}
	return nil
}

func setTextType(h *gomessage.Header, mimetype string) {
	h.SetContentType(mimetype, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
}

func writeText(mw *gomessage.Writer, mimetype, text string) error {
	var ph gomessage.Header
	setTextType(&ph, mimetype)
	pw, err := mw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("render %s part: %w", mimetype, err)
	}
	if _, err := io.WriteString(pw, text); err != nil {
		return err
	}
	return pw.Close()
}

func writeAttachment(mw *gomessage.Writer, a Attachment) error {
	var ph gomessage.Header
	content := a.Content
	if a.Part != nil {
		// Add prepends, so walk the list backwards to keep the recorded order.
		for i := len(a.Part.Header) - 1; i >= 0; i-- {
			f := a.Part.Header[i]
			ph.Add(f.Name, f.Value)
		}
		content = a.Part.Content
	} else {
		mimetype := a.Mimetype
		if mimetype == "" {
			mimetype = DefaultAttachmentType
		}
		ph.SetContentType(mimetype, nil)
		if a.Filename != "" {
			ph.SetContentDisposition("attachment", map[string]string{"filename": a.Filename})
		} else {
			ph.SetContentDisposition("attachment", nil)
		}
		ph.Set("Content-Transfer-Encoding", "base64")
	}
	pw, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := pw.Write(content); err != nil {
		return err
	}
	return pw.Close()
}
