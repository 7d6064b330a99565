//go:build !windows

package doctor

import "os/exec"

// resetTerminal undoes a raw mode left behind by an aborted picker.
func resetTerminal() {
	exec.Command("stty", "sane").Run()
}
