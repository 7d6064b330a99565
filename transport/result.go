package transport

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"babel/encoder"
)

// TranslationResult is one unit of translated output. Audio is an opaque
// encoded payload for the playback capability; it may be empty.
type TranslationResult struct {
	OriginalText   string
	TranslatedText string
	Audio          []byte
	SampleRate     int
	LatencyMs      float64
	Confidence     float64
	Timestamp      time.Time
	IsFinal        *bool
}

func (r *TranslationResult) Latency() time.Duration {
	return time.Duration(r.LatencyMs * float64(time.Millisecond))
}

type ResultMetrics struct {
	LatencyMs  float64 `json:"latency_ms"`
	Confidence float64 `json:"confidence"`
}

// ResultMessage is the wire form shared by the translation_result event
// and the batch response. Streaming backends send audio under either
// "audio" or "audio_base64" and metrics either nested or top level.
type ResultMessage struct {
	Success        *bool          `json:"success,omitempty"`
	Error          string         `json:"error,omitempty"`
	OriginalText   string         `json:"original_text"`
	TranslatedText string         `json:"translated_text"`
	AudioBase64    string         `json:"audio_base64,omitempty"`
	Audio          string         `json:"audio,omitempty"`
	SampleRate     int            `json:"sample_rate,omitempty"`
	Metrics        *ResultMetrics `json:"metrics,omitempty"`
	LatencyMs      *float64       `json:"latency_ms,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Timestamp      *Timestamp     `json:"timestamp,omitempty"`
	IsFinal        *bool          `json:"is_final,omitempty"`
}

// NewResultMessage renders r for the wire.
func NewResultMessage(r *TranslationResult) ResultMessage {
	ok := true
	m := ResultMessage{
		Success:        &ok,
		OriginalText:   r.OriginalText,
		TranslatedText: r.TranslatedText,
		SampleRate:     r.SampleRate,
		Metrics:        &ResultMetrics{LatencyMs: r.LatencyMs, Confidence: r.Confidence},
		IsFinal:        r.IsFinal,
	}
	if len(r.Audio) > 0 {
		m.AudioBase64 = encoder.EncodeBase64(r.Audio)
	}
	if !r.Timestamp.IsZero() {
		ts := Timestamp(r.Timestamp)
		m.Timestamp = &ts
	}
	return m
}

// Result decodes the message. received stamps results that carry no
// timestamp of their own.
func (m ResultMessage) Result(received time.Time) (*TranslationResult, error) {
	r := &TranslationResult{
		OriginalText:   m.OriginalText,
		TranslatedText: m.TranslatedText,
		SampleRate:     m.SampleRate,
		IsFinal:        m.IsFinal,
		Timestamp:      received,
	}

	payload := m.AudioBase64
	if payload == "" {
		payload = m.Audio
	}
	if payload != "" {
		audio, err := encoder.DecodeBase64(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		r.Audio = audio
	}

	if m.Metrics != nil {
		r.LatencyMs = m.Metrics.LatencyMs
		r.Confidence = m.Metrics.Confidence
	}
	if m.LatencyMs != nil {
		r.LatencyMs = *m.LatencyMs
	}
	if m.Confidence != nil {
		r.Confidence = *m.Confidence
	}
	r.Confidence = clamp01(r.Confidence)
	if r.LatencyMs < 0 || math.IsNaN(r.LatencyMs) {
		r.LatencyMs = 0
	}
	if m.Timestamp != nil {
		r.Timestamp = time.Time(*m.Timestamp)
	}
	return r, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Timestamp accepts unix seconds (integer or fractional) or an RFC 3339
// string and marshals as fractional unix seconds.
type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	sec := float64(time.Time(t).UnixNano()) / 1e9
	return []byte(strconv.FormatFloat(sec, 'f', 3, 64)), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		*t = Timestamp(parsed)
		return nil
	}
	sec, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	whole, frac := math.Modf(sec)
	*t = Timestamp(time.Unix(int64(whole), int64(frac*1e9)))
	return nil
}
