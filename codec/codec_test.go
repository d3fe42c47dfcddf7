package codec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncmail/email"
)

// pngBytes is a 1x1 transparent PNG.
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func newMessage() *email.Message {
	return email.New("test", "Testing the queue! w00t!!", "from@example.com", "to@example.com")
}

// checkJSON serializes the encoded message to text, parses it back and
// verifies decoding reproduces the original encoding.
func checkJSON(t *testing.T, c *Codec, msg *email.Message) {
	t.Helper()
	want, err := c.Encode(msg)
	require.NoError(t, err)

	serialized, err := json.Marshal(want)
	require.NoError(t, err)

	var parsed WireMessage
	require.NoError(t, json.Unmarshal(serialized, &parsed))

	decoded, err := c.Decode(parsed)
	require.NoError(t, err)

	got, err := c.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestJSONRoundTripPlain(t *testing.T) {
	checkJSON(t, New(nil), newMessage())
}

func TestJSONRoundTripAttachment(t *testing.T) {
	msg := newMessage()
	msg.Attach("image.png", pngBytes, "")
	checkJSON(t, New(nil), msg)
}

func TestJSONRoundTripMIMEAttachment(t *testing.T) {
	msg := newMessage()
	msg.AttachPart(email.NewPart("image/png", pngBytes))
	checkJSON(t, New(nil), msg)

	decoded, err := New(nil).Decode(mustEncode(t, New(nil), msg))
	require.NoError(t, err)
	require.Len(t, decoded.Attachments, 1)
	require.True(t, decoded.Attachments[0].IsPart())
	assert.Equal(t, msg.Attachments[0].Part.Header, decoded.Attachments[0].Part.Header)
	assert.Equal(t, pngBytes, decoded.Attachments[0].Part.Content)
}

func TestJSONRoundTripAttachmentFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(path, pngBytes, 0o600))

	msg := newMessage()
	require.NoError(t, msg.AttachFile(path, ""))
	checkJSON(t, New(nil), msg)
}

func TestDecodeRestoresFields(t *testing.T) {
	c := New(nil)
	msg := newMessage()
	msg.To = []string{"b@example.com", "a@example.com", "c@example.com"}
	msg.Cc = []string{"cc@example.com"}
	msg.Bcc = []string{"bcc@example.com"}
	msg.ReplyTo = []string{"reply@example.com"}
	msg.Headers["X-Mailer"] = "asyncmail"
	msg.Attach("a.bin", []byte{0, 1, 2}, "application/octet-stream")
	msg.Attach("b.txt", []byte("hello"), "text/plain")
	msg.AttachAlternative("<p>hi</p>", "text/html")
	msg.ContentSubtype = "html"
	msg.MixedSubtype = "related"

	decoded, err := c.Decode(mustEncode(t, c, msg))
	require.NoError(t, err)

	assert.Equal(t, msg.Subject, decoded.Subject)
	assert.Equal(t, msg.Body, decoded.Body)
	assert.Equal(t, msg.From, decoded.From)
	assert.Equal(t, msg.To, decoded.To)
	assert.Equal(t, msg.Cc, decoded.Cc)
	assert.Equal(t, msg.Bcc, decoded.Bcc)
	assert.Equal(t, msg.ReplyTo, decoded.ReplyTo)
	assert.Equal(t, msg.Headers, decoded.Headers)
	assert.Equal(t, msg.Attachments, decoded.Attachments)
	assert.Equal(t, msg.Alternatives, decoded.Alternatives)
	assert.Equal(t, "html", decoded.ContentSubtype)
	assert.Equal(t, "related", decoded.MixedSubtype)
}

func TestEncodeOmitsDefaults(t *testing.T) {
	c := New(nil)
	w := mustEncode(t, c, newMessage())

	data, err := json.Marshal(w)
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &keys))

	for _, k := range []string{KeySubject, KeyBody, KeyFromEmail, KeyTo, KeyBcc, KeyCc, KeyHeaders, KeyAttachments, KeyReplyTo} {
		assert.Contains(t, keys, k)
	}
	for _, k := range []string{KeyAlternatives, KeyContentSubtype, KeyMixedSubtype, KeyAttachmentHeaders} {
		assert.NotContains(t, keys, k)
	}
	assert.JSONEq(t, `[]`, string(keys[KeyBcc]))
}

func TestAttachmentTupleShape(t *testing.T) {
	c := New(nil)
	msg := newMessage()
	msg.Attach("", []byte("abc"), "")
	msg.Attachments[0].Mimetype = ""

	data, err := json.Marshal(mustEncode(t, c, msg))
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &keys))
	assert.JSONEq(t, `[[null, "YWJj", null]]`, string(keys[KeyAttachments]))
}

func TestMIMEAttachmentRecordsHeaders(t *testing.T) {
	c := New(nil)
	msg := newMessage()
	msg.Attach("first.txt", []byte("one"), "text/plain")
	part := email.NewPart("image/png", pngBytes)
	part.SetFilename("logo.png")
	msg.AttachPart(part)

	w := mustEncode(t, c, msg)
	require.Len(t, w.Attachments, 2)
	assert.Equal(t, "logo.png", w.Attachments[1].Filename)
	assert.Equal(t, "image/png", w.Attachments[1].Mimetype)
	assert.NotContains(t, w.AttachmentHeaders, "0")
	assert.Equal(t, []HeaderPair{
		{"Content-Type", "image/png"},
		{"MIME-Version", "1.0"},
		{"Content-Transfer-Encoding", "base64"},
		{"Content-Disposition", `attachment; filename=logo.png`},
	}, w.AttachmentHeaders["1"])
}

func TestDecodeRebuildsPartHeaders(t *testing.T) {
	c := New(nil)
	w := mustEncode(t, c, newMessage())
	w.Attachments = []WireAttachment{{Filename: "x.gif", Content: "R0lG", Mimetype: "image/gif"}}
	w.AttachmentHeaders = map[string][]HeaderPair{
		"0": {{"X-Custom", "1"}, {"Content-Transfer-Encoding", "7bit"}, {"x-custom", "2"}},
	}

	m, err := c.Decode(w)
	require.NoError(t, err)
	require.True(t, m.Attachments[0].IsPart())
	assert.Equal(t, email.Header{
		{Name: "X-Custom", Value: "2"},
		{Name: "Content-Transfer-Encoding", Value: "base64"},
		{Name: "Content-Type", Value: "image/gif"},
		{Name: "MIME-Version", Value: "1.0"},
	}, m.Attachments[0].Part.Header)
}

func TestDecodeNormalizesBarePartHeaders(t *testing.T) {
	c := New(nil)
	msg := newMessage()
	part := &email.Part{Content: []byte("plain part")}
	part.Header.Add("Content-Type", "text/plain")
	msg.AttachPart(part)

	first := mustEncode(t, c, msg)
	assert.Equal(t, []HeaderPair{{"Content-Type", "text/plain"}}, first.AttachmentHeaders["0"])

	decoded, err := c.Decode(first)
	require.NoError(t, err)
	second := mustEncode(t, c, decoded)
	assert.Equal(t, []HeaderPair{
		{"Content-Type", "text/plain"},
		{"MIME-Version", "1.0"},
		{"Content-Transfer-Encoding", "base64"},
	}, second.AttachmentHeaders["0"])
	assert.NotEqual(t, first, second)

	again, err := c.Decode(second)
	require.NoError(t, err)
	assert.Equal(t, second, mustEncode(t, c, again))
}

func TestDecodeTextPolicy(t *testing.T) {
	c := New(nil)
	w := mustEncode(t, c, newMessage())
	w.Attachments = []WireAttachment{
		{Filename: "ok.txt", Content: "aGVsbG8=", Mimetype: "text/plain"},
		{Filename: "bad.txt", Content: "//4A", Mimetype: "text/plain"},
	}

	m, err := c.Decode(w)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", m.Attachments[0].Mimetype)
	assert.Equal(t, []byte("hello"), m.Attachments[0].Content)
	assert.Equal(t, email.DefaultAttachmentType, m.Attachments[1].Mimetype)
}

func TestDecodeDoesNotMutateInput(t *testing.T) {
	c := New([]string{"tags"})
	msg := newMessage()
	msg.Extra = map[string]any{"tags": map[string]any{"name": "val"}}
	w := mustEncode(t, c, msg)
	before := w.Clone()

	m, err := c.Decode(w)
	require.NoError(t, err)
	m.To[0] = "changed@example.com"
	m.Headers["X-New"] = "1"
	m.Extra["tags"].(map[string]any)["name"] = "changed"

	assert.Equal(t, before, w)
}

func TestExtraAttributes(t *testing.T) {
	c := New([]string{"extra_attribute", KeySubject})
	assert.Equal(t, []string{"extra_attribute"}, c.ExtraAttributes())

	msg := newMessage()
	msg.Extra = map[string]any{"extra_attribute": map[string]any{"name": "val"}, "ignored": 1}
	w := mustEncode(t, c, msg)
	assert.Equal(t, map[string]any{"extra_attribute": map[string]any{"name": "val"}}, w.Extra)

	w2 := mustEncode(t, c, newMessage())
	w2.Extra = map[string]any{"extra_attribute": map[string]any{"name": "val"}}
	decoded, err := c.Decode(w2)
	require.NoError(t, err)
	assert.Equal(t, w2, mustEncode(t, c, decoded))

	checkJSON(t, c, msg)
}

func TestEncodeIsIdempotent(t *testing.T) {
	c := New(nil)
	w := mustEncode(t, c, newMessage())

	again, err := c.Encode(w)
	require.NoError(t, err)
	assert.Equal(t, w, again)

	again, err = c.Encode(&w)
	require.NoError(t, err)
	assert.Equal(t, w, again)
}

func TestEncodeMapInput(t *testing.T) {
	c := New(nil)
	w, err := c.Encode(map[string]any{
		"subject":    "legacy",
		"body":       "body",
		"from_email": "from@example.com",
		"to":         []string{"to@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "legacy", w.Subject)
	assert.Equal(t, []string{"to@example.com"}, w.To)
	assert.Equal(t, []string{}, w.Cc)
	assert.Equal(t, map[string]string{}, w.Headers)
}

func TestEncodeMalformed(t *testing.T) {
	c := New(nil)
	var nilMsg *email.Message

	for _, v := range []any{nil, 42, "text", nilMsg, map[string]any{"to": 7}} {
		_, err := c.Encode(v)
		assert.ErrorIs(t, err, ErrMalformed, "%#v", v)
	}

	_, err := c.EncodeAll(newMessage(), 3)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMalformedAttachment(t *testing.T) {
	c := New(nil)
	w := mustEncode(t, c, newMessage())
	w.Attachments = []WireAttachment{{Filename: "x", Content: "not base64!", Mimetype: "image/png"}}

	_, err := c.Decode(w)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.DecodeAll(Batch{w})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBatchAcceptsSingleObject(t *testing.T) {
	c := New(nil)
	data, err := json.Marshal(mustEncode(t, c, newMessage()))
	require.NoError(t, err)

	var single Batch
	require.NoError(t, json.Unmarshal(data, &single))
	assert.Len(t, single, 1)

	var list Batch
	require.NoError(t, json.Unmarshal([]byte("["+string(data)+","+string(data)+"]"), &list))
	assert.Len(t, list, 2)

	var bad Batch
	assert.ErrorIs(t, json.Unmarshal([]byte(`[{"attachments": [["a"]]}]`), &bad), ErrMalformed)
}

func mustEncode(t *testing.T, c *Codec, v any) WireMessage {
	t.Helper()
	w, err := c.Encode(v)
	require.NoError(t, err)
	return w
}
