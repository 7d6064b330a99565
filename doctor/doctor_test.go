package doctor

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"babel/audio"
	"babel/mockserver"
	"babel/playback"
)

func startBackend(t *testing.T) (*mockserver.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := mockserver.New(mockserver.Options{})
	go s.Serve(ln)
	t.Cleanup(func() { s.Shutdown() })
	return s, "http://" + ln.Addr().String()
}

func sine(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func options(base string, actx audio.Context, p playback.Player, out *strings.Builder) Options {
	return Options{
		BackendURL: base,
		SourceLang: "en",
		TargetLang: "es",
		SampleRate: 16000,
		Duration:   200 * time.Millisecond,
		Audio:      actx,
		Player:     p,
		Out:        out,
	}
}

func TestRunAllPass(t *testing.T) {
	_, base := startBackend(t)
	player := playback.NewFakePlayer(0)
	var out strings.Builder

	code := Run(context.Background(), options(base, audio.NewFakeContext(sine(16000), 16000, false), player, &out))
	if code != 0 {
		t.Fatalf("exit code %d, output:\n%s", code, out.String())
	}
	for _, want := range []string{"PASS: backend reachable", "PASS: microphone", "Translated: [es]", "All checks passed!"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if n := len(player.Intervals()); n != 1 {
		t.Errorf("played %d times, want 1", n)
	}
}

func TestRunBackendDown(t *testing.T) {
	s, base := startBackend(t)
	s.SetHealthy(false)
	actx := audio.NewFakeContext(sine(1600), 16000, false)
	var out strings.Builder

	if code := Run(context.Background(), options(base, actx, nil, &out)); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "FAIL: health check") {
		t.Errorf("output missing health failure:\n%s", out.String())
	}
	if len(actx.Captures()) != 0 {
		t.Error("microphone opened after the backend check failed")
	}
}

func TestRunMicrophoneDenied(t *testing.T) {
	_, base := startBackend(t)
	actx := audio.NewFakeContext(nil, 16000, false)
	actx.StartErr = errors.New("Permission denied by system")
	var out strings.Builder

	if code := Run(context.Background(), options(base, actx, nil, &out)); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "FAIL: ") || strings.Contains(out.String(), "[3/4]") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if c := actx.Captures(); len(c) != 1 || !c[0].Closed() {
		t.Error("capture not released")
	}
}

func TestRunConfirmDeclined(t *testing.T) {
	_, base := startBackend(t)
	var out strings.Builder
	opts := options(base, audio.NewFakeContext(sine(8000), 16000, false), nil, &out)
	opts.In = strings.NewReader("\nn\n")

	if code := Run(context.Background(), opts); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "translation not confirmed") {
		t.Errorf("output missing declined confirmation:\n%s", out.String())
	}
}
