package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"babel/audio"
	"babel/config"
	"babel/playback"
	"babel/recorder"
	"babel/transport"
)

// scripted waits give up after this long
const waitTimeout = 30 * time.Second

// runTestMode replays wavPath as the microphone and drives a session
// from commands read on in. See runScript for the command set.
func runTestMode(ctx context.Context, wavPath string, in io.Reader, out io.Writer) error {
	fake, err := audio.NewFakeContextFromWAV(wavPath, true)
	if err != nil {
		return fmt.Errorf("loading WAV: %w", err)
	}
	c := cfg
	c.Cues = false
	c.SampleRate = fake.SampleRate
	return runScript(ctx, c, fake, playback.NewFakePlayer(0), in, out)
}

// runScript executes one command per line:
//
//	START | STOP | WAIT | WAIT_AUDIO_DONE | MODE streaming|batch | SLEEP ms | QUIT
//
// WAIT blocks until the controller is idle, a stopped stream has been
// confirmed and the playback queue has drained. Notifications are
// printed to out, one per line.
func runScript(ctx context.Context, c config.Config, fake *audio.FakeContext, player playback.Device, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := newScriptSink(out)
	a, err := newApp(c, fake, player, sink)
	if err != nil {
		player.Close()
		return err
	}
	defer a.Close()
	a.queue.OnPlay(sink.Playing)

	if !a.health.Check(ctx) {
		sink.printf("backend unreachable at %s", c.BackendURL)
	}
	a.serve(ctx)

	expectStop := false
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "START":
			sink.drainStopped()
			if err := a.ctrl.Start(ctx); err != nil {
				sink.printf("start failed: %v", err)
			}
		case "STOP":
			streaming := a.ctrl.Mode() == recorder.ModeStreaming
			if _, err := a.ctrl.Stop(ctx); err != nil {
				sink.printf("stop failed: %v", err)
			} else {
				expectStop = streaming
			}
		case "WAIT":
			if err := waitSettled(ctx, a, sink, expectStop); err != nil {
				sink.printf("wait: %v", err)
			}
			expectStop = false
		case "WAIT_AUDIO_DONE":
			captures := fake.Captures()
			if len(captures) == 0 {
				sink.printf("wait: no capture")
				continue
			}
			select {
			case <-captures[len(captures)-1].AudioDone():
			case <-time.After(waitTimeout):
				sink.printf("wait: audio not done after %v", waitTimeout)
			case <-ctx.Done():
				return ctx.Err()
			}
		case "MODE":
			if len(fields) < 2 {
				sink.printf("MODE needs streaming or batch")
				continue
			}
			m, err := recorder.ParseMode(fields[1])
			if err == nil {
				err = a.ctrl.SetMode(m)
			}
			if err != nil {
				sink.printf("mode: %v", err)
			}
		case "SLEEP":
			if len(fields) > 1 {
				if ms, err := strconv.Atoi(fields[1]); err == nil {
					time.Sleep(time.Duration(ms) * time.Millisecond)
				}
			}
		case "QUIT":
			return nil
		default:
			sink.printf("unknown command %q", line)
		}
	}
	return scanner.Err()
}

func waitSettled(ctx context.Context, a *app, sink *scriptSink, expectStop bool) error {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for a.ctrl.State() != recorder.StateIdle {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if expectStop {
		linger := time.NewTimer(a.cfg.StopLinger + time.Second)
		defer linger.Stop()
		select {
		case <-sink.stopped:
		case <-linger.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return a.queue.WaitIdle(ctx)
}

// scriptSink prints notifications as plain lines.
type scriptSink struct {
	recorder.NopSink

	mu      sync.Mutex
	out     io.Writer
	stopped chan struct{}
}

func newScriptSink(out io.Writer) *scriptSink {
	return &scriptSink{out: out, stopped: make(chan struct{}, 16)}
}

func (s *scriptSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *scriptSink) drainStopped() {
	for {
		select {
		case <-s.stopped:
		default:
			return
		}
	}
}

func (s *scriptSink) State(st recorder.State)       { s.printf("state %s", st) }
func (s *scriptSink) Connection(st transport.State) { s.printf("link %s", st) }
func (s *scriptSink) Error(err error)               { s.printf("error: %v", err) }
func (s *scriptSink) Playing(e playback.Entry)      { s.printf("playing #%d", e.Seq) }

func (s *scriptSink) Result(e playback.Entry) {
	s.printf("result #%d %q -> %q", e.Seq, e.Result.OriginalText, e.Result.TranslatedText)
}

func (s *scriptSink) TranslationStopped() {
	s.printf("translation stopped")
	select {
	case s.stopped <- struct{}{}:
	default:
	}
}
