package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"babel/audio"
	"babel/config"
	"babel/log"
	"babel/metrics"
	"babel/playback"
	"babel/recorder"
	"babel/transport"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var (
	cfg        config.Config
	configPath string
	testAudio  string
)

var rootCmd = &cobra.Command{
	Use:   "babel",
	Short: "Real-time speech translation from the microphone",
	Long: `babel records speech, sends it to a translation backend and plays
the translated audio back in order. Streaming mode sends audio in chunks
over a websocket while you speak; batch mode uploads one utterance when
you stop.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE:              runSession,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Pick the capture device interactively and print its config line",
	Args:  cobra.NoArgs,
	RunE:  runSetup,
}

var translateCmd = &cobra.Command{
	Use:   "translate <file.wav>",
	Short: "Translate a WAV file in batch mode and play the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranslate,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the backend, the microphone and a full translation round trip",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

var mockBackendCmd = &cobra.Command{
	Use:   "mock-backend",
	Short: "Serve a fake translation backend for offline development",
	Args:  cobra.NoArgs,
	RunE:  runMockBackend,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// config keys bound to persistent flags
var flagKeys = map[string]string{
	"backend-url":    "backend_url",
	"source":         "source_lang",
	"target":         "target_lang",
	"mode":           "mode",
	"device":         "device",
	"chunk-duration": "chunk_duration",
	"format":         "utterance_format",
	"cues":           "cues",
	"log-path":       "log_path",
	"metrics-addr":   "metrics_addr",
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(mockBackendCmd)
	rootCmd.AddCommand(configCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ./babel.yaml, then <user config dir>/babel/babel.yaml)")
	pf.String("backend-url", "", "translation backend base URL")
	pf.String("source", "", "source language code")
	pf.String("target", "", "target language code")
	pf.String("mode", "", "streaming or batch")
	pf.String("device", "", "capture device name or ID")
	pf.Duration("chunk-duration", 0, "audio per streaming chunk")
	pf.String("format", "", "batch upload format (flac or wav)")
	pf.Bool("cues", true, "play start and stop tones")
	pf.String("log-path", "", "log directory")
	pf.String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9464")

	for flag, key := range flagKeys {
		viper.BindPFlag(key, pf.Lookup(flag))
	}

	rootCmd.Flags().StringVar(&testAudio, "test-audio", "", "replay a WAV file as the microphone and read commands from stdin")

	mockBackendCmd.Flags().String("addr", "127.0.0.1:8000", "listen address")
	mockBackendCmd.Flags().Duration("latency", 0, "delay before each result")
	mockBackendCmd.Flags().Bool("skip-silence", false, "send no result for silent chunks")
	mockBackendCmd.Flags().String("batch-error", "", "fail every batch request with this message")
	mockBackendCmd.Flags().Bool("verbose", false, "log every HTTP request")

	doctorCmd.Flags().Bool("yes", false, "do not ask for confirmation")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(viper.GetViper(), configPath)
	if err != nil {
		return err
	}
	cfg = c

	dir, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		return fmt.Errorf("resolving log directory: %w", err)
	}
	log.SetDir(dir)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// app is one wired client: capture, transport, queue and controller.
type app struct {
	cfg     config.Config
	metrics *metrics.Metrics
	audio   audio.Context
	player  playback.Device
	queue   *playback.Queue
	health  *transport.HealthProbe
	client  *transport.Client
	ctrl    *recorder.Controller
}

func newApp(cfg config.Config, actx audio.Context, player playback.Device, sink recorder.Sink) (*app, error) {
	mode, err := recorder.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	device, err := resolveDevice(actx, cfg.Device)
	if err != nil {
		return nil, err
	}
	eventURL, err := transport.EventURL(cfg.BackendURL)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	a := &app{
		cfg:     cfg,
		metrics: m,
		audio:   actx,
		player:  player,
		queue:   playback.NewQueue(player, playback.WithMetrics(m)),
		health:  transport.NewHealthProbe(cfg.BackendURL, cfg.HealthInterval, cfg.HealthTimeout, nil, m),
		client:  transport.NewClient(cfg.BackendURL, nil, m),
	}

	var cues playback.Player
	if cfg.Cues {
		cues = player
	}
	a.ctrl = recorder.New(recorder.Config{
		Mode:            mode,
		SourceLang:      cfg.SourceLang,
		TargetLang:      cfg.TargetLang,
		SampleRate:      cfg.SampleRate,
		FrameSize:       cfg.FrameSize,
		ChunkDuration:   cfg.ChunkDuration,
		StopLinger:      cfg.StopLinger,
		StallTimeout:    cfg.StallTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		UtteranceFormat: cfg.UtteranceFormat,
		Device:          device,
	}, recorder.Deps{
		Audio: actx,
		Queue: a.queue,
		NewSession: func() *transport.Session {
			return transport.NewSession(transport.SessionConfig{
				URL:               eventURL,
				ReconnectAttempts: cfg.ReconnectAttempts,
				ReconnectDelay:    cfg.ReconnectDelay,
				Dialer:            transport.WSDialer{},
				Metrics:           m,
			})
		},
		Translator: a.client,
		Health:     a.health,
		Cues:       cues,
		Metrics:    m,
		Sink:       sink,
	})
	return a, nil
}

// serve starts the health probe and, when configured, the metrics
// endpoint. Both stop with ctx.
func (a *app) serve(ctx context.Context) {
	go a.health.Run(ctx)
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.MetricsAddr); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}
}

func (a *app) Close() {
	a.ctrl.Close()
	a.queue.Close()
	a.player.Close()
	a.audio.Close()
}

func openDevices() (audio.Context, playback.Device, error) {
	actx, err := audio.NewContext()
	if err != nil {
		return nil, nil, fmt.Errorf("audio init: %w", err)
	}
	player, err := playback.NewDevice()
	if err != nil {
		actx.Close()
		return nil, nil, fmt.Errorf("playback init: %w", err)
	}
	return actx, player, nil
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	if testAudio != "" {
		return runTestMode(ctx, testAudio, cmd.InOrStdin(), cmd.OutOrStdout())
	}

	actx, player, err := openDevices()
	if err != nil {
		return err
	}
	sink := &programSink{}
	a, err := newApp(cfg, actx, player, sink)
	if err != nil {
		player.Close()
		actx.Close()
		return err
	}
	defer a.Close()

	p := newTUIProgram(ctx, a, sink)
	a.serve(ctx)
	log.Infof("babel %s started, backend %s", version, cfg.BackendURL)

	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err = p.Run()
	return err
}

func runDevices(cmd *cobra.Command, args []string) error {
	actx, err := audio.NewContext()
	if err != nil {
		return fmt.Errorf("audio init: %w", err)
	}
	defer actx.Close()
	return listDevices(actx, cmd.OutOrStdout())
}

func runSetup(cmd *cobra.Command, args []string) error {
	actx, err := audio.NewContext()
	if err != nil {
		return fmt.Errorf("audio init: %w", err)
	}
	defer actx.Close()

	dev, err := audio.SelectDevice(actx, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), deviceLineText(dev))
	fmt.Fprintf(cmd.OutOrStdout(), "\nAdd to babel.yaml or export BABEL_DEVICE:\n\ndevice: %q\n", dev.Name)
	return nil
}
