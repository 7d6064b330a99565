package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"babel/encoder"
	"babel/log"
	"babel/metrics"
)

const (
	translatePath = "/api/translate"
	healthPath    = "/health"

	// plain-text error bodies longer than this are treated as noise
	maxPlainError = 200
)

// Client talks to the request/response side of the backend.
type Client struct {
	baseURL string
	traced  *TracedClient
	metrics *metrics.Metrics
}

func NewClient(baseURL string, httpClient *http.Client, m *metrics.Metrics) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		traced:  NewTracedClient(httpClient),
		metrics: m,
	}
}

// Translate uploads one utterance and returns its translation. Backend
// failures come back as *BackendError.
func (c *Client) Translate(ctx context.Context, blob encoder.Blob, sourceLang, targetLang string) (*TranslationResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, blob.Filename))
	if blob.ContentType != "" {
		h.Set("Content-Type", blob.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(blob.Data); err != nil {
		return nil, err
	}
	w.WriteField("source_lang", sourceLang)
	w.WriteField("target_lang", targetLang)
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+translatePath, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.traced.Do(req)
	if err != nil {
		return nil, fmt.Errorf("translate request: %w", err)
	}
	c.metrics.BatchRequest(time.Since(start))

	var msg ResultMessage
	jsonErr := json.Unmarshal(resp.Body, &msg)

	failed := resp.StatusCode < 200 || resp.StatusCode > 299 || jsonErr != nil || (msg.Success != nil && !*msg.Success)
	if failed {
		c.metrics.BackendError("batch")
		return nil, &BackendError{
			StatusCode: resp.StatusCode,
			Message:    extractError(resp.StatusCode, resp.Body),
		}
	}

	r, err := msg.Result(time.Now())
	if err != nil {
		return nil, err
	}
	c.metrics.Result("batch", r.Latency())

	log.BatchMetrics(log.BatchMetricsData{
		AudioS:     float64(blob.Frames) / float64(max(1, blob.SampleRate)),
		UploadKB:   float64(len(blob.Data)) / 1024,
		Format:     strings.TrimPrefix(blob.ContentType, "audio/"),
		EncodeMs:   float64(blob.EncodeTime.Microseconds()) / 1000,
		DNSMs:      ms(resp.Metrics.DNS),
		TLSMs:      ms(resp.Metrics.TLS),
		TTFBMs:     ms(resp.Metrics.TTFB),
		TotalMs:    ms(resp.Metrics.Total),
		ServerMs:   r.LatencyMs,
		ConnReused: resp.Metrics.ConnReused,
		Confidence: r.Confidence,
	})
	return r, nil
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// extractError pulls a human-readable message out of a failed response:
// a JSON error, detail or message field, else a short plain-text body,
// else a generic message naming the status.
func extractError(status int, body []byte) string {
	var fields struct {
		Error   json.RawMessage `json:"error"`
		Detail  json.RawMessage `json:"detail"`
		Message json.RawMessage `json:"message"`
	}
	if json.Unmarshal(body, &fields) == nil {
		for _, raw := range []json.RawMessage{fields.Error, fields.Detail, fields.Message} {
			if s := rawText(raw); s != "" {
				return s
			}
		}
	}

	text := strings.TrimSpace(string(body))
	if text != "" && len(text) <= maxPlainError && utf8.ValidString(text) &&
		!strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "<") {
		return text
	}
	if status >= 200 && status <= 299 {
		return "translation failed"
	}
	return fmt.Sprintf("translation failed (HTTP %d)", status)
}

// rawText renders a JSON value as a message: strings as-is, objects by
// their own message/error field.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Error
	}
	var list []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return list[0].Msg
	}
	return ""
}
