package recorder

import (
	"errors"

	"babel/audio"
)

var (
	ErrBusy               = errors.New("recorder: busy")
	ErrNotRecording       = errors.New("recorder: not recording")
	ErrBackendUnreachable = errors.New("recorder: translation backend unreachable")
	ErrCaptureStalled     = errors.New("recorder: microphone stopped delivering audio")
	ErrTooShort           = errors.New("recording too short")
)

// kindLabel names a capability failure for metrics.
func kindLabel(err error) string {
	switch audio.Kind(err) {
	case audio.ErrPermissionDenied:
		return "permission_denied"
	case audio.ErrNoDevice:
		return "no_device"
	case audio.ErrDeviceBusy:
		return "device_busy"
	case audio.ErrUnsupportedSetup:
		return "unsupported"
	case audio.ErrInsecureContext:
		return "insecure_context"
	default:
		return "failed"
	}
}
