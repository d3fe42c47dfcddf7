package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"asyncmail/codec"
	"asyncmail/queue"
	"asyncmail/transport"
)

// SubmitPath is where Handler is mounted on the worker's HTTP server.
const SubmitPath = "/send"

const maxSubmitBytes = 32 << 20

// SubmitRequest is the body accepted by Handler. Messages may be a single
// wire object or an array.
type SubmitRequest struct {
	Messages codec.Batch      `json:"messages"`
	Params   transport.Params `json:"params,omitempty"`
}

// SubmitResponse lists the task of every enqueued chunk.
type SubmitResponse struct {
	Tasks    []string `json:"tasks"`
	Messages int      `json:"messages"`
	Error    string   `json:"error,omitempty"`
}

// Handler accepts POSTed wire messages and enqueues them through b. It
// answers 202 once every chunk is queued; delivery happens later.
func Handler(b *Backend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeSubmit(w, http.StatusMethodNotAllowed, SubmitResponse{Error: "method not allowed"})
			return
		}

		var req SubmitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
			writeSubmit(w, http.StatusBadRequest, SubmitResponse{Error: fmt.Sprintf("decode request: %v", err)})
			return
		}
		if len(req.Messages) == 0 {
			writeSubmit(w, http.StatusBadRequest, SubmitResponse{Error: "no messages"})
			return
		}

		items := make([]any, len(req.Messages))
		for i, m := range req.Messages {
			items[i] = m
		}
		handles, err := b.Send(r.Context(), items, req.Params)
		resp := SubmitResponse{Messages: len(req.Messages)}
		for _, h := range handles {
			resp.Tasks = append(resp.Tasks, h.ID())
		}
		switch {
		case err == nil:
			writeSubmit(w, http.StatusAccepted, resp)
		case errors.Is(err, codec.ErrMalformed):
			resp.Error = err.Error()
			writeSubmit(w, http.StatusBadRequest, resp)
		case errors.Is(err, queue.ErrStopped):
			resp.Error = err.Error()
			writeSubmit(w, http.StatusServiceUnavailable, resp)
		default:
			b.log.Error("submit failed", "err", err)
			resp.Error = err.Error()
			writeSubmit(w, http.StatusInternalServerError, resp)
		}
	})
}

func writeSubmit(w http.ResponseWriter, status int, resp SubmitResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Submit posts msgs to a running worker at baseURL and returns its answer.
func Submit(ctx context.Context, client *http.Client, baseURL string, msgs codec.Batch, params transport.Params) (*SubmitResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(SubmitRequest{Messages: msgs, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	url := strings.TrimSuffix(baseURL, "/") + SubmitPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit to %s: %w", url, err)
	}
	defer res.Body.Close()

	var out SubmitResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("submit to %s: %s", url, res.Status)
	}
	if res.StatusCode != http.StatusAccepted {
		return &out, fmt.Errorf("submit to %s: %s: %s", url, res.Status, out.Error)
	}
	return &out, nil
}
