package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrSelectionAborted = errors.New("device selection aborted")

type pickAction int

const (
	pickNone pickAction = iota
	pickConfirm
	pickAbort
)

// pickKey applies one keypress (as read from a raw terminal) to the
// cursor position.
func pickKey(key []byte, cursor, count int) (int, pickAction) {
	if len(key) == 1 {
		switch key[0] {
		case '\r', '\n':
			return cursor, pickConfirm
		case 3, 'q': // Ctrl+C
			return cursor, pickAbort
		case 'j':
			if cursor < count-1 {
				cursor++
			}
		case 'k':
			if cursor > 0 {
				cursor--
			}
		}
		return cursor, pickNone
	}
	if len(key) == 3 && key[0] == 0x1b && key[1] == '[' {
		switch key[2] {
		case 'A':
			if cursor > 0 {
				cursor--
			}
		case 'B':
			if cursor < count-1 {
				cursor++
			}
		}
	}
	return cursor, pickNone
}

// SelectDevice presents an interactive picker on a raw terminal and
// returns the chosen input. With a single device no prompt is shown.
func SelectDevice(ctx Context, in *os.File, out io.Writer) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, &CapabilityError{Kind: ErrNoDevice}
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(in.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	render := func() {
		fmt.Fprint(out, "\r\x1b[J")
		fmt.Fprint(out, "Select input device (↑/↓, Enter to confirm):\r\n\r\n")
		for i, d := range devices {
			btTag := ""
			if IsBluetooth(d.Name) {
				btTag = " \x1b[33m[⚠ narrowband headset]\x1b[0m"
			}
			if i == cursor {
				fmt.Fprintf(out, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, btTag)
			} else {
				fmt.Fprintf(out, "    %s%s\r\n", d.Name, btTag)
			}
		}
	}
	render()

	buf := make([]byte, 3)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		var action pickAction
		cursor, action = pickKey(buf[:n], cursor, len(devices))
		switch action {
		case pickConfirm:
			fmt.Fprint(out, "\r\n")
			return &devices[cursor], nil
		case pickAbort:
			fmt.Fprint(out, "\r\n")
			return nil, ErrSelectionAborted
		}
		fmt.Fprintf(out, "\x1b[%dA", len(devices)+2)
		render()
	}
}
