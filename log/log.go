package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog     zerolog.Logger
	diagFile    *os.File
	translation io.Writer
	transFile   *os.File
	logMu       sync.Mutex
	logReady    atomic.Bool
	pid         int
	dir         string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: --log-path flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: BABEL_LOG_PATH environment variable
	if envPath := os.Getenv("BABEL_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// Init opens diagnostics_log.txt and translations_log.txt in the log
// directory. Until Init or InitConsole succeeds every helper is a no-op.
func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	diagFile, err = os.OpenFile(filepath.Join(dir, "diagnostics_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transFile, err = os.OpenFile(filepath.Join(dir, "translations_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		diagFile = nil
		return err
	}
	translation = transFile

	diagLog = zerolog.New(zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}).With().Timestamp().Int("pid", pid).Logger()

	logReady.Store(true)
	return nil
}

// InitConsole logs to w instead of files. Used by headless commands
// (mock-backend, translate) where the terminal is not owned by the TUI.
func InitConsole(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()

	pid = os.Getpid()
	diagLog = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()
	translation = w
	logReady.Store(true)
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady.Store(false)
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transFile != nil {
		transFile.Close()
		transFile = nil
	}
	translation = nil
}

func Debugf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Info(msg string) {
	if logReady.Load() {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady.Load() {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady.Load() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady.Load() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(id, mode, source, target string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("mode", mode).
		Str("source", source).
		Str("target", target).
		Msg("session_start")
}

func SessionEnd(id string, chunks int, audioS float64) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("session", id).
		Int("chunks", chunks).
		Float64("audio_s", audioS).
		Msg("session_end")
}

func ChunkSent(id string, seq, samples, bytes int) {
	if !logReady.Load() {
		return
	}
	diagLog.Debug().
		Str("session", id).
		Int("seq", seq).
		Int("samples", samples).
		Int("b64_bytes", bytes).
		Msg("chunk_sent")
}

func Reconnect(id string, attempt, max int, err error) {
	if !logReady.Load() {
		return
	}
	ev := diagLog.Warn().
		Str("session", id).
		Int("attempt", attempt).
		Int("max", max)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("reconnect")
}

type BatchMetricsData struct {
	AudioS     float64
	UploadKB   float64
	Format     string
	EncodeMs   float64
	DNSMs      float64
	TLSMs      float64
	TTFBMs     float64
	TotalMs    float64
	ServerMs   float64
	ConnReused bool
	Confidence float64
}

func BatchMetrics(m BatchMetricsData) {
	if !logReady.Load() {
		return
	}
	conn := "new"
	if m.ConnReused {
		conn = "reused"
	}
	diagLog.Info().
		Str("format", m.Format).
		Str("conn", conn).
		Float64("audio_s", m.AudioS).
		Float64("upload_kb", m.UploadKB).
		Float64("encode_ms", m.EncodeMs).
		Float64("dns_ms", m.DNSMs).
		Float64("tls_ms", m.TLSMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Float64("server_ms", m.ServerMs).
		Float64("confidence", m.Confidence).
		Msg("batch_translation")
}

type StreamMetricsData struct {
	ConnectMs  float64
	TotalMs    float64
	AudioS     float64
	SentChunks int
	SentKB     float64
	Results    int
	Reconnects int
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Float64("connect_ms", m.ConnectMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("results", m.Results).
		Int("reconnects", m.Reconnects).
		Msg("stream_translation")
}

// Translation appends one line to the translation log:
// "time\t[pid]\toriginal\ttranslated".
func Translation(original, translated string) {
	if !logReady.Load() {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if translation == nil {
		return
	}
	fmt.Fprintf(translation, "%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, original, translated)
}
