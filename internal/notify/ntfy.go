package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultNtfyBaseURL = "https://ntfy.sh"

// NtfyClient publishes notifications to an ntfy.sh topic.
type NtfyClient struct {
	baseURL    string
	topic      string
	httpClient *http.Client
}

// NewNtfyClient creates a client for the given topic.
func NewNtfyClient(topic string) *NtfyClient {
	return &NtfyClient{
		baseURL: defaultNtfyBaseURL,
		topic:   topic,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewNtfyClientWithBaseURL creates a client pointing at a custom server (for testing).
func NewNtfyClientWithBaseURL(topic, baseURL string) *NtfyClient {
	c := NewNtfyClient(topic)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Deliver publishes one notification. Failures are reported, never retried;
// delivery is at most once.
func (c *NtfyClient) Deliver(ctx context.Context, title, body string) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, c.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating notification request: %w", err)
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", "default")
	req.Header.Set("Tags", "speech_balloon")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
