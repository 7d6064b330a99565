package main

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"babel/audio"
	"babel/config"
	"babel/encoder"
	"babel/mockserver"
	"babel/playback"
	"babel/recorder"
	"babel/transport"

	tea "github.com/charmbracelet/bubbletea"
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

func speech(seconds float64) []float32 {
	out := make([]float32, int(seconds*16000))
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	return out
}

func scriptConfig(base string) config.Config {
	c := config.Default()
	c.BackendURL = base
	c.ChunkDuration = 500 * time.Millisecond
	c.StopLinger = 2 * time.Second
	c.ReconnectDelay = 50 * time.Millisecond
	c.Cues = false
	return c
}

func TestScriptStreamingThenBatch(t *testing.T) {
	s, base := startBackend(t)
	fake := audio.NewFakeContext(speech(1.2), 16000, false)
	player := playback.NewFakePlayer(time.Millisecond)
	script := strings.Join([]string{
		"START", "WAIT_AUDIO_DONE", "STOP", "WAIT",
		"MODE batch",
		"START", "WAIT_AUDIO_DONE", "STOP", "WAIT",
		"QUIT",
	}, "\n")
	var out strings.Builder

	if err := runScript(context.Background(), scriptConfig(base), fake, player, strings.NewReader(script), &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()

	// 1.2s in 0.5s chunks is two full chunks and a final partial one
	for _, want := range []string{"state recording", "link connected", "translation stopped", "result #3", "result #4", "state processing"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "result #5") || strings.Contains(got, "error:") || strings.Contains(got, "failed") {
		t.Errorf("unexpected output:\n%s", got)
	}
	if st := s.Stats(); st.Batches != 1 || st.Chunks != 3 {
		t.Errorf("backend saw %d batches and %d chunks, want 1 and 3", st.Batches, st.Chunks)
	}
	if n := len(player.Intervals()); n != 4 {
		t.Errorf("played %d results, want 4", n)
	}
	if player.MaxConcurrent() != 1 {
		t.Errorf("overlapping playback: %d", player.MaxConcurrent())
	}
}

func TestScriptBackendDown(t *testing.T) {
	s, base := startBackend(t)
	s.SetHealthy(false)
	fake := audio.NewFakeContext(speech(0.5), 16000, false)
	var out strings.Builder

	err := runScript(context.Background(), scriptConfig(base), fake, playback.NewFakePlayer(0), strings.NewReader("START\nQUIT\n"), &out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "start failed: "+recorder.ErrBackendUnreachable.Error()) {
		t.Errorf("output:\n%s", out.String())
	}
	if len(fake.Captures()) != 0 {
		t.Error("microphone opened while the backend was down")
	}
}

func TestScriptUnknownCommand(t *testing.T) {
	_, base := startBackend(t)
	var out strings.Builder
	err := runScript(context.Background(), scriptConfig(base), audio.NewFakeContext(nil, 16000, false),
		playback.NewFakePlayer(0), strings.NewReader("# comment\n\nJUMP\nMODE sideways\n"), &out)
	if err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, `unknown command "JUMP"`) || !strings.Contains(got, "mode: ") {
		t.Errorf("output:\n%s", got)
	}
}

func TestDownmix(t *testing.T) {
	stereo := encoder.PCMAudio{Samples: []int16{100, 300, -200, 200, 32767, 32767}, Channels: 2, SampleRate: 16000}
	got := downmix(stereo)
	want := []int16{200, 0, 32767}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
	mono := encoder.PCMAudio{Samples: []int16{1, 2, 3}, Channels: 1}
	if got := downmix(mono); len(got) != 3 {
		t.Errorf("mono changed length: %v", got)
	}
}

func TestLineText(t *testing.T) {
	if got := deviceLineText(nil); got != "mic: system default" {
		t.Errorf("deviceLineText(nil) = %q", got)
	}
	if got := deviceLineText(&audio.DeviceInfo{Name: "AirPods Pro"}); !strings.HasSuffix(got, "(BT!)") {
		t.Errorf("bluetooth device not flagged: %q", got)
	}
	if got := modeLineText(recorder.ModeBatch, "en", "es"); got != "[batch | en → es]" {
		t.Errorf("modeLineText = %q", got)
	}
}

type fakeController struct {
	mode     recorder.Mode
	starts   int
	stops    int
	startErr error
	busy     bool
}

func (f *fakeController) Start(context.Context) error {
	f.starts++
	return f.startErr
}

func (f *fakeController) Stop(context.Context) (*transport.TranslationResult, error) {
	f.stops++
	return nil, nil
}

func (f *fakeController) SetMode(m recorder.Mode) error {
	if f.busy {
		return recorder.ErrBusy
	}
	f.mode = m
	return nil
}

func (f *fakeController) Mode() recorder.Mode                { return f.mode }
func (f *fakeController) Languages() (source, target string) { return "en", "es" }

type fakeReplayer struct{ played []*transport.TranslationResult }

func (f *fakeReplayer) PlayNow(r *transport.TranslationResult) { f.played = append(f.played, r) }

func key(s string) tea.KeyMsg {
	if s == " " {
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m tuiModel, msg tea.Msg) (tuiModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(tuiModel), cmd
}

func entry(seq int, text string, audio []byte) playback.Entry {
	return playback.Entry{Seq: seq, Result: &transport.TranslationResult{OriginalText: "orig", TranslatedText: text, Audio: audio}}
}

func TestTUIRecordToggle(t *testing.T) {
	ctrl := &fakeController{}
	m := newTUIModel(context.Background(), ctrl, &fakeReplayer{}, nil)

	m, cmd := update(t, m, key(" "))
	if cmd == nil || !m.busy {
		t.Fatal("space did not start a recording")
	}
	// a second press while Start is in flight is ignored
	if _, again := update(t, m, key(" ")); again != nil {
		t.Error("start issued twice")
	}
	m, _ = update(t, m, cmd())
	m, _ = update(t, m, stateMsg{recorder.StateRecording})
	if ctrl.starts != 1 || m.busy {
		t.Fatalf("starts=%d busy=%v", ctrl.starts, m.busy)
	}
	if !strings.Contains(m.View(), "REC") {
		t.Error("view does not show recording")
	}

	m, cmd = update(t, m, key(" "))
	if cmd == nil {
		t.Fatal("space did not stop the recording")
	}
	m, _ = update(t, m, cmd())
	m, _ = update(t, m, stateMsg{recorder.StateIdle})
	if ctrl.stops != 1 || !strings.Contains(m.View(), "STANDBY") {
		t.Errorf("stops=%d view:\n%s", ctrl.stops, m.View())
	}
}

func TestTUIStartError(t *testing.T) {
	denied := &audio.CapabilityError{Kind: audio.ErrPermissionDenied, Err: errors.New("Permission denied by system")}
	ctrl := &fakeController{startErr: denied}
	m := newTUIModel(context.Background(), ctrl, &fakeReplayer{}, nil)

	m, cmd := update(t, m, key(" "))
	m, _ = update(t, m, cmd())
	if m.busy || m.errText == "" {
		t.Fatalf("busy=%v errText=%q", m.busy, m.errText)
	}
	if !strings.Contains(m.View(), m.errText[:10]) {
		t.Errorf("error not shown:\n%s", m.View())
	}
}

func TestTUITooShortIsNotice(t *testing.T) {
	m := newTUIModel(context.Background(), &fakeController{}, &fakeReplayer{}, nil)
	m, _ = update(t, m, errorMsg{recorder.ErrTooShort})
	if m.errText != "" || m.notice != recorder.ErrTooShort.Error() {
		t.Fatalf("errText=%q notice=%q", m.errText, m.notice)
	}
	if !strings.Contains(m.View(), "recording too short") {
		t.Errorf("notice not shown:\n%s", m.View())
	}
}

func TestTUIModeToggle(t *testing.T) {
	ctrl := &fakeController{}
	m := newTUIModel(context.Background(), ctrl, &fakeReplayer{}, nil)

	m, _ = update(t, m, key("m"))
	if m.mode != recorder.ModeBatch || ctrl.mode != recorder.ModeBatch {
		t.Fatalf("mode not toggled: %v %v", m.mode, ctrl.mode)
	}
	ctrl.busy = true
	m, _ = update(t, m, key("m"))
	if m.mode != recorder.ModeBatch || m.errText == "" {
		t.Errorf("mode changed while busy: %v, errText %q", m.mode, m.errText)
	}
}

func TestTUIReplayAndCopy(t *testing.T) {
	rep := &fakeReplayer{}
	var copied []string
	copyFn := func(s string) error {
		copied = append(copied, s)
		return nil
	}
	m := newTUIModel(context.Background(), &fakeController{}, rep, copyFn)

	m, _ = update(t, m, key("r"))
	if len(rep.played) != 0 || m.notice != "nothing to replay" {
		t.Fatalf("replay with no results: %v %q", rep.played, m.notice)
	}

	m, _ = update(t, m, resultMsg{entry(1, "hola", []byte{1, 2})})
	m, _ = update(t, m, resultMsg{entry(2, "adiós", nil)})

	m, _ = update(t, m, key("r"))
	if len(rep.played) != 1 || rep.played[0].TranslatedText != "hola" {
		t.Errorf("replayed %v, want the last result with audio", rep.played)
	}

	m, cmd := update(t, m, key("c"))
	if cmd == nil {
		t.Fatal("copy issued no command")
	}
	m, _ = update(t, m, cmd())
	if len(copied) != 1 || copied[0] != "adiós" || !strings.Contains(m.notice, "copied") {
		t.Errorf("copied %v, notice %q", copied, m.notice)
	}
}

func TestTUIResultsCapped(t *testing.T) {
	m := newTUIModel(context.Background(), &fakeController{}, &fakeReplayer{}, nil)
	for i := 1; i <= maxResults+3; i++ {
		m, _ = update(t, m, resultMsg{entry(i, "texto", nil)})
	}
	if len(m.results) != maxResults || m.total != maxResults+3 {
		t.Fatalf("kept %d of %d", len(m.results), m.total)
	}
	if m.results[0].Seq != 4 {
		t.Errorf("oldest kept seq = %d, want 4", m.results[0].Seq)
	}
	if !strings.Contains(m.View(), "Translations (8)") {
		t.Errorf("view:\n%s", m.View())
	}
}

func TestTUILevelOnlyWhileRecording(t *testing.T) {
	m := newTUIModel(context.Background(), &fakeController{}, &fakeReplayer{}, nil)
	m, _ = update(t, m, levelMsg(0.8))
	if m.level != 0 {
		t.Errorf("level %v while idle", m.level)
	}
	m, _ = update(t, m, stateMsg{recorder.StateRecording})
	m, _ = update(t, m, levelMsg(1))
	if m.level <= 0 || m.peak != 1 {
		t.Errorf("level %v peak %v", m.level, m.peak)
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("the quick brown fox jumps", 10)
	want := []string{"the quick", "brown fox", "jumps"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("wrapText = %q, want %q", got, want)
	}
	if got := wrapText("", 10); len(got) != 1 || got[0] != "" {
		t.Errorf("wrapText empty = %q", got)
	}
}
