package transport

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EventName string

// Inbound events.
const (
	EventConnected          EventName = "connected"
	EventTranslationStarted EventName = "translation_started"
	EventTranslationResult  EventName = "translation_result"
	EventTranslationStopped EventName = "translation_stopped"
	EventError              EventName = "error"
)

// Outbound events.
const (
	EventStartTranslation EventName = "start_translation"
	EventAudioChunk       EventName = "audio_chunk"
	EventStopTranslation  EventName = "stop_translation"
)

// FormatRawPCM tags audio_chunk payloads as little-endian PCM16.
const FormatRawPCM = "raw_pcm"

// Envelope frames every message on the event channel.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(name EventName, payload any) (Envelope, error) {
	env := Envelope{Event: name}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("encoding %s: %w", name, err)
	}
	env.Data = data
	return env, nil
}

type ConnectedMessage struct {
	Message string `json:"message"`
}

type LanguagePair struct {
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type AudioChunkMessage struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

type ErrorMessage struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (m ErrorMessage) text() string {
	if s := strings.TrimSpace(m.Error); s != "" {
		return s
	}
	if s := strings.TrimSpace(m.Message); s != "" {
		return s
	}
	return "unknown error"
}

// Event is a decoded inbound message delivered to subscribers.
type Event struct {
	Name    EventName
	Message string
	Langs   LanguagePair
	Result  *TranslationResult
	Err     error
}
