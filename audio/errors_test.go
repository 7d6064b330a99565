package audio

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("pulse record: access denied"), ErrPermissionDenied},
		{errors.New("NotAllowedError: Permission denied"), ErrPermissionDenied},
		{errors.New("pulse: dial unix /run/user/1000/pulse/native: connect: no such file or directory"), ErrNoDevice},
		{errors.New("malgo init device: No device found"), ErrNoDevice},
		{errors.New("Device or resource busy"), ErrDeviceBusy},
		{errors.New("requested sample rate not supported"), ErrUnsupportedSetup},
		{errors.New("only available in secure context"), ErrInsecureContext},
		{errors.New("something odd"), ErrCaptureFailed},
	}
	for _, tt := range tests {
		got := Classify(tt.err)
		if !errors.Is(got, tt.want) {
			t.Errorf("Classify(%q) = %v, want kind %v", tt.err, got, tt.want)
		}
		if !errors.Is(got, tt.err) {
			t.Errorf("Classify(%q) lost the cause", tt.err)
		}
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	orig := &CapabilityError{Kind: ErrDeviceBusy, Err: errors.New("permission denied")}
	wrapped := fmt.Errorf("start: %w", orig)
	if got := Classify(wrapped); got != wrapped {
		t.Errorf("Classify re-wrapped a classified error: %v", got)
	}
	if Kind(wrapped) != ErrDeviceBusy {
		t.Errorf("Kind = %v", Kind(wrapped))
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) != nil")
	}
}

func TestCapabilityErrorMessage(t *testing.T) {
	err := &CapabilityError{Kind: ErrPermissionDenied}
	if err.Error() != "microphone permission denied" {
		t.Errorf("Error() = %q", err.Error())
	}
}
