// Package clipboard copies translations to the system clipboard.
package clipboard

import (
	"errors"
	"strings"

	cb "github.com/atotto/clipboard"
)

// ErrUnavailable is returned when no clipboard backend exists, for
// example on Linux without xclip, xsel or wl-copy.
var ErrUnavailable = errors.New("clipboard unavailable")

// ErrEmpty is returned when there is nothing to copy.
var ErrEmpty = errors.New("nothing to copy")

func Available() bool { return !cb.Unsupported }

func Read() (string, error) {
	if cb.Unsupported {
		return "", ErrUnavailable
	}
	return cb.ReadAll()
}

// Copy writes text to the clipboard, trimmed of surrounding space.
func Copy(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmpty
	}
	if cb.Unsupported {
		return ErrUnavailable
	}
	return cb.WriteAll(text)
}
