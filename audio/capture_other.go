//go:build !linux

package audio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, Classify(fmt.Errorf("malgo: %w", err))
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = config.SampleRate

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, &CapabilityError{Kind: ErrNoDevice, Err: fmt.Errorf("invalid device ID: %w", err)}
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	c := &malgoCapture{
		name:   "system default",
		framer: newFramer(config.frameSize()),
	}
	if device != nil {
		c.name = device.Name
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			c.onData(input, frameCount)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, Classify(fmt.Errorf("malgo init device: %w", err))
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device  *malgo.Device
	name    string
	framer  *framer
	scratch []float32

	mu      sync.Mutex
	started bool
}

// onData runs on the miniaudio thread.
func (c *malgoCapture) onData(input []byte, frameCount uint32) {
	n := int(frameCount)
	if len(input) < n*4 {
		n = len(input) / 4
	}
	if cap(c.scratch) < n {
		c.scratch = make([]float32, n)
	}
	buf := c.scratch[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	c.framer.push(buf)
}

func (c *malgoCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.framer.reset()
	if err := c.device.Start(); err != nil {
		return Classify(fmt.Errorf("malgo start: %w", err))
	}
	c.started = true
	return nil
}

func (c *malgoCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	// returns once the data callback has finished
	c.device.Stop()
	c.framer.flush()
	c.started = false
}

func (c *malgoCapture) Close() {
	c.ClearCallback()
	c.Stop()
	c.device.Uninit()
}

func (c *malgoCapture) SetCallback(cb FrameCallback) {
	c.framer.set(cb)
}

func (c *malgoCapture) ClearCallback() {
	c.framer.set(nil)
}

func (c *malgoCapture) DeviceName() string {
	return c.name
}
