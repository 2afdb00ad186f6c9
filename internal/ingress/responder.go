package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zulandar/courier/internal/convo"
)

// HTTPResponder asks the upstream conversation service for the reply to
// a drained batch. The whole batch goes up as one turn, so messages
// that arrived while a turn was running are answered together.
type HTTPResponder struct {
	URL    string
	Client *http.Client
}

// NewHTTPResponder builds a responder client. Turn generation can be
// slow, so the default timeout is generous.
func NewHTTPResponder(url string, timeout time.Duration) *HTTPResponder {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPResponder{URL: url, Client: &http.Client{Timeout: timeout}}
}

type responderRequest struct {
	SubjectID string   `json:"subject_id"`
	ChannelID string   `json:"channel_id"`
	Platform  string   `json:"platform"`
	Messages  []string `json:"messages"`
}

type responderReply struct {
	Text string `json:"text"`
}

// Respond returns the upstream reply text for one batch.
func (r *HTTPResponder) Respond(ctx context.Context, batch *convo.Batch) (string, error) {
	messages := make([]string, len(batch.Messages))
	for i, m := range batch.Messages {
		messages[i] = m.Text
	}
	body, err := json.Marshal(responderRequest{
		SubjectID: batch.Conversation.SubjectID,
		ChannelID: batch.Conversation.ChannelID,
		Platform:  batch.Conversation.Platform,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("ingress: encode responder request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ingress: build responder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ingress: responder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ingress: responder returned %d: %s", resp.StatusCode, string(detail))
	}

	var reply responderReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("ingress: decode responder reply: %w", err)
	}
	return reply.Text, nil
}
