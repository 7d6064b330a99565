// Package doctor runs interactive diagnostics against the backend and
// the local audio devices.
package doctor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"babel/audio"
	"babel/clipboard"
	"babel/encoder"
	"babel/playback"
	"babel/transport"
)

type Options struct {
	BackendURL string
	SourceLang string
	TargetLang string
	SampleRate int
	Format     string
	Device     *audio.DeviceInfo
	// Duration of the microphone sample; 3s when zero.
	Duration time.Duration

	Audio      audio.Context
	Player     playback.Player
	HTTPClient *http.Client

	// In answers prompts; nil runs without asking.
	In  io.Reader
	Out io.Writer
}

type doctor struct {
	opts   Options
	out    io.Writer
	reader *bufio.Reader
}

// Run executes the checks in order and returns an exit code (0=all pass, 1=any fail).
// Later checks are skipped once one fails.
func Run(ctx context.Context, opts Options) int {
	if opts.Duration <= 0 {
		opts.Duration = 3 * time.Second
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Format == "" {
		opts.Format = "flac"
	}
	d := &doctor{opts: opts, out: opts.Out}
	if d.out == nil {
		d.out = io.Discard
	}
	if opts.In != nil {
		resetTerminal()
		d.reader = bufio.NewReader(opts.In)
	}

	fmt.Fprintln(d.out, "babel doctor - backend and audio diagnostics")
	fmt.Fprintln(d.out, "============================================")

	allPass := d.checkBackend(ctx)
	var samples []int16
	if allPass {
		samples, allPass = d.checkMicrophone(ctx)
	}
	if allPass && !d.checkTranslation(ctx, samples) {
		allPass = false
	}
	d.checkClipboard()

	fmt.Fprintln(d.out)
	if allPass {
		fmt.Fprintln(d.out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(d.out, "Some checks failed. See details above.")
	return 1
}

func (d *doctor) checkBackend(ctx context.Context) bool {
	fmt.Fprintln(d.out)
	fmt.Fprintf(d.out, "[1/4] Backend at %s\n", d.opts.BackendURL)

	probe := transport.NewHealthProbe(d.opts.BackendURL, 0, 0, d.opts.HTTPClient, nil)
	if !probe.Check(ctx) {
		fmt.Fprintln(d.out, "  FAIL: health check did not succeed")
		return false
	}
	fmt.Fprintln(d.out, "  PASS: backend reachable")
	return true
}

func (d *doctor) checkMicrophone(ctx context.Context) ([]int16, bool) {
	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "[2/4] Microphone")

	name := "system default"
	if d.opts.Device != nil {
		name = d.opts.Device.Name
		if audio.IsBluetooth(name) {
			fmt.Fprintln(d.out, "  Warning: Bluetooth headsets record narrowband audio while the mic is open")
		}
	}
	fmt.Fprintf(d.out, "  Device: %s\n", name)

	if d.reader != nil {
		fmt.Fprintf(d.out, "Press Enter and speak for %.0f seconds...", d.opts.Duration.Seconds())
		d.reader.ReadString('\n')
	}

	frames, err := d.record(ctx)
	if err != nil {
		fmt.Fprintf(d.out, "  FAIL: %v\n", err)
		return nil, false
	}
	if len(frames) == 0 {
		fmt.Fprintln(d.out, "  FAIL: no audio captured")
		return nil, false
	}

	meter := audio.NewMeter()
	var samples []int16
	for _, f := range frames {
		meter.Update(f)
		samples = append(samples, encoder.Quantize(f)...)
	}
	fmt.Fprintf(d.out, "  Recorded %.1fs in %d frames, peak level %.2f\n",
		float64(len(samples))/float64(d.opts.SampleRate), len(frames), meter.Peak())
	if meter.Peak() < 0.02 {
		fmt.Fprintln(d.out, "  Warning: no voice detected, check the input gain")
	}
	fmt.Fprintln(d.out, "  PASS: microphone delivers audio")
	return samples, true
}

func (d *doctor) record(ctx context.Context) ([][]float32, error) {
	capture, err := d.opts.Audio.NewCapture(d.opts.Device, audio.CaptureConfig{
		SampleRate: uint32(d.opts.SampleRate),
		Channels:   1,
	})
	if err != nil {
		return nil, audio.Classify(err)
	}
	defer capture.Close()

	var mu sync.Mutex
	var frames [][]float32
	capture.SetCallback(func(frame []float32) {
		f := make([]float32, len(frame))
		copy(f, frame)
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})
	if err := capture.Start(); err != nil {
		return nil, audio.Classify(err)
	}

	fmt.Fprint(d.out, "  Recording")
	ticker := time.NewTicker(500 * time.Millisecond)
	deadline := time.NewTimer(d.opts.Duration)
	defer ticker.Stop()
	defer deadline.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			capture.Stop()
			fmt.Fprintln(d.out)
			return nil, ctx.Err()
		case <-ticker.C:
			fmt.Fprint(d.out, ".")
		case <-deadline.C:
			break loop
		}
	}
	capture.Stop()
	capture.ClearCallback()
	fmt.Fprintln(d.out, " done")

	mu.Lock()
	defer mu.Unlock()
	return frames, nil
}

func (d *doctor) checkTranslation(ctx context.Context, samples []int16) bool {
	fmt.Fprintln(d.out)
	fmt.Fprintf(d.out, "[3/4] Translation %s -> %s\n", d.opts.SourceLang, d.opts.TargetLang)

	blob, err := encoder.EncodeUtterance(d.opts.Format, samples, d.opts.SampleRate)
	if err != nil {
		fmt.Fprintf(d.out, "  FAIL: encoding: %v\n", err)
		return false
	}
	client := transport.NewClient(d.opts.BackendURL, d.opts.HTTPClient, nil)
	res, err := client.Translate(ctx, blob, d.opts.SourceLang, d.opts.TargetLang)
	if err != nil {
		fmt.Fprintf(d.out, "  FAIL: %v\n", err)
		return false
	}

	original := strings.TrimSpace(res.OriginalText)
	if original == "" {
		original = "(no speech detected)"
	}
	fmt.Fprintf(d.out, "  Heard:      %s\n", original)
	fmt.Fprintf(d.out, "  Translated: %s\n", strings.TrimSpace(res.TranslatedText))
	fmt.Fprintf(d.out, "  Round trip: %dms\n", res.Latency().Milliseconds())

	if len(res.Audio) > 0 && d.opts.Player != nil {
		playCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := d.opts.Player.Play(playCtx, res.Audio, res.SampleRate)
		cancel()
		if err != nil {
			fmt.Fprintf(d.out, "  FAIL: playback: %v\n", err)
			return false
		}
	}

	if d.reader != nil {
		fmt.Fprint(d.out, "Is this correct? [y/n]: ")
		confirm, _ := d.reader.ReadString('\n')
		confirm = strings.TrimSpace(strings.ToLower(confirm))
		if confirm != "y" && confirm != "yes" {
			fmt.Fprintln(d.out, "  FAIL: translation not confirmed")
			return false
		}
	}
	fmt.Fprintln(d.out, "  PASS: translation received")
	return true
}

// checkClipboard only warns; copying results is optional.
func (d *doctor) checkClipboard() {
	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "[4/4] Clipboard")

	if !clipboard.Available() {
		fmt.Fprintln(d.out, "  Warning: no clipboard backend, the copy key is disabled")
		return
	}
	sentinel := fmt.Sprintf("babel-doctor-%d", time.Now().UnixNano())
	if err := clipboard.Copy(sentinel); err != nil {
		fmt.Fprintf(d.out, "  Warning: copy failed: %v\n", err)
		return
	}
	got, err := clipboard.Read()
	if err != nil || got != sentinel {
		fmt.Fprintln(d.out, "  Warning: clipboard did not keep the copied text")
		return
	}
	fmt.Fprintln(d.out, "  PASS: clipboard works")
}
