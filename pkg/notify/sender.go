package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// Sender delivers one event to a subscriber callback. A nil return means
// the subscriber acknowledged the delivery.
type Sender interface {
	Send(ctx context.Context, callbackURI string, event *core.Event) error
}

// HTTPSender posts events as JSON to the subscriber's callback URI.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a sender whose requests are bounded by timeout.
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the event and treats any 2xx status as acknowledgment.
func (s *HTTPSender) Send(ctx context.Context, callbackURI string, event *core.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return core.NewFatalError("failed to encode notification", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURI, bytes.NewReader(body))
	if err != nil {
		return core.NewValidationError("invalid callback URI", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return core.NewTransientError("callback request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.NewTransientError(
			fmt.Sprintf("callback returned status %d", resp.StatusCode), nil)
	}
	return nil
}
