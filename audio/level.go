package audio

import (
	"math"
	"sync"
)

const (
	// floorDB maps to level 0; full scale maps to 1.
	floorDB = -60.0

	meterAttack  = 0.6
	meterRelease = 0.15
)

// RMS returns the root mean square of frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Normalize maps an RMS amplitude onto [0, 1] on a dB scale.
func Normalize(rms float64) float64 {
	if rms <= 0 || math.IsNaN(rms) {
		return 0
	}
	db := 20 * math.Log10(rms)
	if db <= floorDB {
		return 0
	}
	if db >= 0 {
		return 1
	}
	return (db - floorDB) / -floorDB
}

// Meter derives a smoothed loudness value from capture frames. It rises
// quickly and decays slowly, the usual VU ballistics. Safe for
// concurrent use.
type Meter struct {
	mu    sync.Mutex
	level float64
	peak  float64
}

func NewMeter() *Meter {
	return &Meter{}
}

// Update folds one frame into the meter and returns the new level.
func (m *Meter) Update(frame []float32) float64 {
	target := Normalize(RMS(frame))

	m.mu.Lock()
	defer m.mu.Unlock()
	coeff := meterRelease
	if target > m.level {
		coeff = meterAttack
	}
	m.level += (target - m.level) * coeff
	if m.level < 1e-4 {
		m.level = 0
	}
	m.peak = max(m.peak, target)
	return m.level
}

func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Peak is the highest unsmoothed level seen since the last Reset.
func (m *Meter) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func (m *Meter) Reset() {
	m.mu.Lock()
	m.level = 0
	m.peak = 0
	m.mu.Unlock()
}
