package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncmail/codec"
	"asyncmail/queue"
	"asyncmail/transport"
)

func postSubmit(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, SubmitResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, SubmitPath, strings.NewReader(body)))
	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec, resp
}

func TestHandlerEnqueuesChunks(t *testing.T) {
	q := &fakeQueue{}
	h := Handler(New(q, nil, Options{ChunkSize: 2}))

	rec, resp := postSubmit(t, h, `{
		"messages": [
			{"subject": "one", "from_email": "s@example.com", "to": ["a@example.com"]},
			{"subject": "two", "from_email": "s@example.com", "to": ["b@example.com"]},
			{"subject": "three", "from_email": "s@example.com", "to": ["c@example.com"]}
		],
		"params": {"auth_user": "relay"}
	}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 3, resp.Messages)
	assert.Len(t, resp.Tasks, 2)
	require.Len(t, q.calls, 2)
	assert.Equal(t, "one", q.calls[0].msgs[0].Subject)
	assert.Equal(t, "three", q.calls[1].msgs[0].Subject)
	assert.Equal(t, "relay", q.calls[0].params["username"])
}

func TestHandlerAcceptsSingleMessage(t *testing.T) {
	q := &fakeQueue{}
	rec, resp := postSubmit(t, Handler(New(q, nil, Options{})), `{"messages": {"subject": "solo", "to": ["a@example.com"]}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, resp.Messages)
	require.Len(t, q.calls, 1)
}

func TestHandlerRejects(t *testing.T) {
	h := Handler(New(&fakeQueue{}, nil, Options{}))

	rec, resp := postSubmit(t, h, `{"messages": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, "decode request")

	rec, resp = postSubmit(t, h, `{"messages": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no messages", resp.Error)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, SubmitPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHandlerStoppedQueue(t *testing.T) {
	rec, resp := postSubmit(t, Handler(New(&fakeQueue{err: queue.ErrStopped}, nil, Options{})), `{"messages": [{"subject": "late"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, resp.Error)
}

func TestSubmitRoundTrip(t *testing.T) {
	q := &fakeQueue{}
	srv := httptest.NewServer(Handler(New(q, nil, Options{})))
	defer srv.Close()

	resp, err := Submit(context.Background(), srv.Client(), srv.URL+"/", codec.Batch{
		{Subject: "remote", FromEmail: "s@example.com", To: []string{"a@example.com"}},
	}, transport.Params{"timeout": 5})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Messages)
	assert.Len(t, resp.Tasks, 1)
	require.Len(t, q.calls, 1)
	assert.Equal(t, "remote", q.calls[0].msgs[0].Subject)
	assert.Equal(t, []string{"a@example.com"}, q.calls[0].msgs[0].To)
}

func TestSubmitReportsServerError(t *testing.T) {
	srv := httptest.NewServer(Handler(New(&fakeQueue{err: queue.ErrStopped}, nil, Options{})))
	defer srv.Close()

	_, err := Submit(context.Background(), nil, srv.URL, codec.Batch{{Subject: "late"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
