package session

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ErrNoClipboard indicates no clipboard tool is available on this host.
var ErrNoClipboard = errors.New("session: no clipboard tool available")

// Clipboard copies secrets to the system clipboard and clears them after a
// single-shot timer. Clearing is best-effort.
type Clipboard struct {
	clearAfter time.Duration
	timer      *time.Timer

	// write is swappable for tests; the default shells out.
	write func(text string) error
}

// NewClipboard builds a clipboard with the given clear delay.
func NewClipboard(clearAfter time.Duration) *Clipboard {
	if clearAfter <= 0 {
		clearAfter = 15 * time.Second
	}
	return &Clipboard{clearAfter: clearAfter, write: writeClipboard}
}

// Copy places text on the clipboard and (re)arms the clear timer.
func (c *Clipboard) Copy(text string) error {
	if err := c.write(text); err != nil {
		return err
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.clearAfter, func() {
		// Overwrite with an empty string; failure is ignored.
		_ = c.write("")
	})
	return nil
}

// Clear empties the clipboard immediately and cancels the pending timer.
func (c *Clipboard) Clear() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	_ = c.write("")
}

// writeClipboard shells out to the platform clipboard tool.
func writeClipboard(text string) error {
	var candidates [][]string
	switch runtime.GOOS {
	case "darwin":
		candidates = [][]string{{"pbcopy"}}
	case "windows":
		candidates = [][]string{{"clip"}}
	default:
		candidates = [][]string{
			{"wl-copy"},
			{"xclip", "-selection", "clipboard"},
			{"xsel", "--clipboard", "--input"},
		}
	}

	for _, argv := range candidates {
		if _, err := exec.LookPath(argv[0]); err != nil {
			continue
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdin = strings.NewReader(text)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("session: %s failed: %w", argv[0], err)
		}
		return nil
	}
	return ErrNoClipboard
}
