package email

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	m := New("subject", "body", "from@example.com", "to@example.com")
	assert.Equal(t, DefaultContentSubtype, m.ContentSubtype)
	assert.Equal(t, DefaultMixedSubtype, m.MixedSubtype)
	assert.Equal(t, []string{"to@example.com"}, m.To)

	var zero Message
	assert.Equal(t, "plain", zero.BodySubtype())
	assert.Equal(t, "mixed", zero.MultipartSubtype())
}

func TestAttachTextPolicy(t *testing.T) {
	m := New("s", "b", "from@example.com")
	m.Attach("notes.txt", []byte("hello"), "text/plain")
	m.Attach("blob.txt", []byte{0xff, 0xfe, 0x00}, "text/plain")

	require.Len(t, m.Attachments, 2)
	assert.Equal(t, "text/plain", m.Attachments[0].Mimetype)
	assert.Equal(t, DefaultAttachmentType, m.Attachments[1].Mimetype)
}

func TestAttachFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o600))

	m := New("s", "b", "from@example.com")
	require.NoError(t, m.AttachFile(path, ""))
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "image.png", m.Attachments[0].Filename)
	assert.Equal(t, "image/png", m.Attachments[0].Mimetype)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, m.Attachments[0].Content)

	assert.Error(t, m.AttachFile(filepath.Join(dir, "missing"), ""))
}

func TestRecipients(t *testing.T) {
	m := New("s", "b", "from@example.com", "a@example.com")
	m.Cc = []string{"b@example.com"}
	m.Bcc = []string{"c@example.com"}
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, m.Recipients())
}

func TestHeaderReplace(t *testing.T) {
	var h Header
	h.Add("Content-Type", "image/png")
	h.Add("X-Test", "1")
	h.Replace("content-type", "image/gif")
	h.Replace("X-New", "2")

	assert.Equal(t, Header{
		{Name: "Content-Type", Value: "image/gif"},
		{Name: "X-Test", Value: "1"},
		{Name: "X-New", Value: "2"},
	}, h)
	assert.True(t, h.Has("x-test"))
	assert.Equal(t, "", h.Get("missing"))
}

func TestPartFilenameAndType(t *testing.T) {
	p := NewPart("image/png", []byte("img"))
	assert.Equal(t, "", p.Filename())
	assert.Equal(t, "image/png", p.ContentType())

	p.SetFilename("logo.png")
	assert.Equal(t, "logo.png", p.Filename())
	assert.Equal(t, "base64", p.Header.Get("Content-Transfer-Encoding"))
}

func TestRenderPlain(t *testing.T) {
	m := New("Hello", "Plain body", "Sender <from@example.com>", "to@example.com")
	m.Headers["X-Campaign"] = "42"

	raw, err := m.Bytes()
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "Subject: Hello")
	assert.Contains(t, text, "X-Campaign: 42")
	assert.Contains(t, text, "text/plain")
	assert.Contains(t, text, "Plain body")
	assert.NotContains(t, text, "multipart")
}

func TestRenderAlternativesAndAttachments(t *testing.T) {
	m := New("Hello", "Plain body", "from@example.com", "to@example.com")
	m.AttachAlternative("<p>Hi</p>", "text/html")
	m.Attach("data.bin", []byte{1, 2, 3}, "application/octet-stream")
	part := NewPart("image/png", []byte("png-bytes"))
	part.Header.Add("Content-ID", "<logo>")
	m.AttachPart(part)

	raw, err := m.Bytes()
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "multipart/mixed")
	assert.Contains(t, text, "multipart/alternative")
	assert.Contains(t, text, "text/html")
	assert.Contains(t, text, "data.bin")
	assert.Contains(t, strings.ToLower(text), "content-id: <logo>")
	assert.True(t, strings.Index(text, "Plain body") < strings.Index(text, "data.bin"))
}

func TestRenderInvalidAddress(t *testing.T) {
	m := New("Hello", "Body", "not an address", "to@example.com")
	_, err := m.Bytes()
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
