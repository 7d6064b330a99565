// Package mockserver is an in-process stand-in for the translation
// backend. It speaks the same event channel and REST surface and
// answers with synthetic translations and tones.
package mockserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"babel/encoder"
	"babel/log"
	"babel/transport"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/mewkiz/flac"
)

const (
	replyRate = 22050
	toneHz    = 440
)

type Options struct {
	// Latency delays every translation.
	Latency time.Duration
	// BatchError, when set, fails every batch request with HTTP 500.
	BatchError string
	// SkipSilence suppresses results for chunks below -50 dBFS.
	SkipSilence bool
	// AccessLog writes one line per HTTP request to stdout.
	AccessLog bool
}

type Stats struct {
	Connections int64
	Chunks      int64
	Results     int64
	Batches     int64
}

type Server struct {
	app  *fiber.App
	opts Options

	healthy     atomic.Bool
	connections atomic.Int64
	chunks      atomic.Int64
	results     atomic.Int64
	batches     atomic.Int64

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func New(opts Options) *Server {
	s := &Server{
		opts:  opts,
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.healthy.Store(true)

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             64 << 20,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	if opts.AccessLog {
		s.app.Use(logger.New())
	}
	s.app.Get("/health", s.handleHealth)
	s.app.Post("/api/translate", s.handleTranslate)
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleEvents))
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown closes open event channels and stops the server.
func (s *Server) Shutdown() error {
	s.DropConnections()
	return s.app.Shutdown()
}

// SetHealthy switches /health between 200 and 503.
func (s *Server) SetHealthy(ok bool) { s.healthy.Store(ok) }

// DropConnections closes every open event channel without a close
// frame, like a backend restart.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Conn.Close()
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Chunks:      s.chunks.Load(),
		Results:     s.results.Load(),
		Batches:     s.batches.Load(),
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if !s.healthy.Load() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleTranslate(c *fiber.Ctx) error {
	s.batches.Add(1)
	if s.opts.BatchError != "" {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": s.opts.BatchError})
	}
	src, tgt := c.FormValue("source_lang"), c.FormValue("target_lang")
	if src == "" || tgt == "" {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"detail": []fiber.Map{{"msg": "source_lang and target_lang are required"}},
		})
	}
	fh, err := c.FormFile("audio")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "audio file is required"})
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	start := time.Now()
	samples, rate, err := decodeUpload(data)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	time.Sleep(s.opts.Latency)
	r := s.translate(samples, rate, src, tgt, start)
	log.Infof("mock: batch %s -> %s, %d samples", src, tgt, len(samples))
	return c.JSON(transport.NewResultMessage(r))
}

func decodeUpload(data []byte) ([]int16, int, error) {
	switch {
	case encoder.IsWAV(data):
		a, err := encoder.DecodeWAV(data)
		if err != nil {
			return nil, 0, err
		}
		return a.Samples, a.SampleRate, nil
	case bytes.HasPrefix(data, []byte("fLaC")):
		stream, err := flac.New(bytes.NewReader(data))
		if err != nil {
			return nil, 0, fmt.Errorf("flac: %w", err)
		}
		defer stream.Close()
		var samples []int16
		for {
			frame, err := stream.ParseNext()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, 0, fmt.Errorf("flac: %w", err)
			}
			for _, s := range frame.Subframes[0].Samples {
				samples = append(samples, int16(s))
			}
		}
		return samples, int(stream.Info.SampleRate), nil
	}
	return nil, 0, errors.New("unsupported audio format")
}

// translate invents a result describing the audio it was given.
func (s *Server) translate(samples []int16, rate int, src, tgt string, start time.Time) *transport.TranslationResult {
	dur := float64(len(samples)) / float64(max(rate, 1))
	level := dbfs(samples)
	original := fmt.Sprintf("[%s] %.1fs of speech at %.0f dBFS", src, dur, level)
	s.results.Add(1)
	return &transport.TranslationResult{
		OriginalText:   original,
		TranslatedText: fmt.Sprintf("[%s] %s", tgt, strings.TrimPrefix(original, "["+src+"] ")),
		Audio:          tone(max(0.1, min(dur/4, 1))),
		SampleRate:     replyRate,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		Confidence:     0.9,
		Timestamp:      time.Now(),
	}
}

func dbfs(samples []int16) float64 {
	if len(samples) == 0 {
		return -96
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return -96
	}
	return max(20*math.Log10(rms), -96)
}

// tone renders a short WAV sine to stand in for synthesized speech.
func tone(seconds float64) []byte {
	n := int(seconds * replyRate)
	pcm := make([]int16, n)
	for i := range pcm {
		t := float64(i) / replyRate
		fade := math.Min(1, math.Min(t, seconds-t)*50)
		pcm[i] = int16(math.Sin(2*math.Pi*toneHz*t) * 8000 * fade)
	}
	return encoder.WAV(encoder.PCM16(pcm), replyRate)
}

func (s *Server) track(c *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func send(c *websocket.Conn, name transport.EventName, payload any) error {
	env, err := transport.NewEnvelope(name, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func sendError(c *websocket.Conn, msg string) error {
	return send(c, transport.EventError, transport.ErrorMessage{Error: msg})
}

func (s *Server) handleEvents(c *websocket.Conn) {
	s.connections.Add(1)
	s.track(c, true)
	defer s.track(c, false)

	if err := send(c, transport.EventConnected, transport.ConnectedMessage{Message: "mock translation backend"}); err != nil {
		return
	}

	var langs *transport.LanguagePair
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sendError(c, "invalid message")
			continue
		}

		switch env.Event {
		case transport.EventStartTranslation:
			var lp transport.LanguagePair
			if err := json.Unmarshal(env.Data, &lp); err != nil || lp.SourceLang == "" || lp.TargetLang == "" {
				sendError(c, "start_translation needs source_lang and target_lang")
				continue
			}
			langs = &lp
			err = send(c, transport.EventTranslationStarted, lp)

		case transport.EventAudioChunk:
			s.chunks.Add(1)
			if langs == nil {
				err = sendError(c, "translation not started")
				break
			}
			err = s.handleChunk(c, env.Data, *langs)

		case transport.EventStopTranslation:
			langs = nil
			err = send(c, transport.EventTranslationStopped, nil)

		default:
			err = sendError(c, fmt.Sprintf("unknown event %q", env.Event))
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleChunk(c *websocket.Conn, data json.RawMessage, langs transport.LanguagePair) error {
	start := time.Now()
	var m transport.AudioChunkMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return sendError(c, "invalid audio_chunk")
	}
	if m.Format != "" && m.Format != transport.FormatRawPCM {
		return sendError(c, fmt.Sprintf("unsupported format %q", m.Format))
	}
	pcm, err := encoder.DecodeBase64(m.Audio)
	if err != nil || len(pcm)%2 != 0 {
		return sendError(c, "audio is not base64 PCM16")
	}
	samples := encoder.Samples(pcm)
	if s.opts.SkipSilence && dbfs(samples) < -50 {
		return nil
	}
	time.Sleep(s.opts.Latency)
	r := s.translate(samples, m.SampleRate, langs.SourceLang, langs.TargetLang, start)
	return send(c, transport.EventTranslationResult, transport.NewResultMessage(r))
}
