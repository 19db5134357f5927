package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// HTTPReportSender posts finished reports as JSON to the job's callback.
type HTTPReportSender struct {
	client *http.Client
}

// NewHTTPReportSender creates a sender bounded by timeout per request.
func NewHTTPReportSender(timeout time.Duration) *HTTPReportSender {
	return &HTTPReportSender{
		client: &http.Client{Timeout: timeout},
	}
}

// SendReport posts the report with its per-metric aggregates and treats any
// 2xx status as acceptance.
func (s *HTTPReportSender) SendReport(ctx context.Context, callbackURI string, report *core.PerformanceReport) error {
	payload := struct {
		*core.PerformanceReport
		Aggregates []core.MetricAggregate `json:"aggregates"`
	}{report, report.Aggregates()}

	body, err := json.Marshal(payload)
	if err != nil {
		return core.NewFatalError("failed to encode report", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURI, bytes.NewReader(body))
	if err != nil {
		return core.NewValidationError("invalid callback URI", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return core.NewTransientError("report delivery failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.NewTransientError(
			fmt.Sprintf("report callback returned status %d", resp.StatusCode), nil)
	}
	return nil
}
