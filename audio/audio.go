// Package audio captures microphone frames and shapes them for the
// translation pipeline: fixed-size float frames, a loudness meter and
// the duration-based chunker.
package audio

import (
	"fmt"
	"strings"
)

// FrameSize is the number of samples per capture callback.
const FrameSize = 4096

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether the input is a
// headset running a narrowband profile.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// FrameCallback receives mono samples in [-1, 1]. The slice is owned by
// the callee.
type FrameCallback func(frame []float32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	FrameSize  int
}

func (c CaptureConfig) frameSize() int {
	if c.FrameSize <= 0 {
		return FrameSize
	}
	return c.FrameSize
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb FrameCallback)
	ClearCallback()
	DeviceName() string
}

// FindDevice returns the device whose name or ID matches name, or nil
// for the system default when name is empty.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, Classify(err)
	}
	for i, d := range devices {
		if d.Name == name || d.ID == name {
			return &devices[i], nil
		}
	}
	lower := strings.ToLower(name)
	for i, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), lower) {
			return &devices[i], nil
		}
	}
	return nil, &CapabilityError{Kind: ErrNoDevice, Err: fmt.Errorf("no input device matches %q", name)}
}
