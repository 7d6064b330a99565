package playback

import (
	"context"
	"math"
	"sync"

	"babel/encoder"
)

type Cue int

const (
	CueStart Cue = iota
	CueStop
	CueError
)

const cueRate = 44100

var (
	cueOnce  sync.Once
	cueTones map[Cue][]byte
)

func initCues() {
	cueTones = map[Cue][]byte{
		// snappy high tick; the tail gives the output buffer time to fill
		CueStart: tone(tick(1200, 0.2, 0.5, 60)),
		CueStop:  tone(tick(900, 0.2, 0.5, 40)),
		CueError: tone(doubleBeep(350, 0.08, 0.05, 0.6, 30)),
	}
}

func tick(freq, duration, volume, decay float64) []int16 {
	n := int(cueRate * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / cueRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

func doubleBeep(freq, beepDur, gapDur, volume, decay float64) []int16 {
	beep := tick(freq, beepDur, volume, decay)
	gap := make([]int16, int(cueRate*gapDur))
	out := make([]int16, 0, 2*len(beep)+len(gap))
	out = append(out, beep...)
	out = append(out, gap...)
	return append(out, beep...)
}

func tone(samples []int16) []byte {
	return encoder.WAV(encoder.PCM16(samples), cueRate)
}

// CueTone returns the cue as a WAV payload.
func CueTone(c Cue) []byte {
	cueOnce.Do(initCues)
	return cueTones[c]
}

// PlayCue plays c on p without going through a queue. Cues are short
// and may overlap a translation.
func PlayCue(ctx context.Context, p Player, c Cue) error {
	audio := CueTone(c)
	if audio == nil || p == nil {
		return nil
	}
	return p.Play(ctx, audio, cueRate)
}
