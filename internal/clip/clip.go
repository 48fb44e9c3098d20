// Package clip copies short strings (run ids, log paths) to the user's
// clipboard from the CLI.
package clip

import (
	"errors"
	"fmt"
	"io"
	"os"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"
)

// Method is the mechanism that made the text copyable.
type Method string

const (
	MethodNative Method = "native" // OS clipboard
	MethodOSC52  Method = "osc52"  // terminal escape sequence, works over SSH
	MethodFile   Method = "file"   // no clipboard reachable; text left in a temp file
)

// Result reports how the text was copied.
type Result struct {
	Method   Method
	FilePath string // only set when Method == MethodFile
}

// String describes the result for a status line.
func (r Result) String() string {
	switch r.Method {
	case MethodNative:
		return "copied to clipboard"
	case MethodOSC52:
		return "copied to clipboard (terminal)"
	case MethodFile:
		return "clipboard unavailable, written to " + r.FilePath
	default:
		return "not copied"
	}
}

// Copier tries each clipboard mechanism in turn.
type Copier struct {
	native   func(string) error
	terminal *os.File
	tempDir  string
}

// New returns a Copier using the OS clipboard, then OSC52 on stderr, then a
// temp file.
func New() *Copier {
	return &Copier{
		native:   atotto.WriteAll,
		terminal: os.Stderr,
	}
}

// WriteAll copies text, falling back down the chain on failure.
func (c *Copier) WriteAll(text string) (Result, error) {
	if text == "" {
		return Result{}, errors.New("nothing to copy")
	}
	if c.native != nil {
		if err := c.native(text); err == nil {
			return Result{Method: MethodNative}, nil
		}
	}
	if err := c.writeOSC52(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}

	path, err := c.writeTempFile(text)
	if err != nil {
		return Result{}, fmt.Errorf("copying to clipboard: %w", err)
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

// Terminals drop oversized OSC52 payloads silently.
const osc52LimitBytes = 100_000

func (c *Copier) writeOSC52(text string) error {
	if c.terminal == nil || !term.IsTerminal(int(c.terminal.Fd())) {
		return errors.New("no terminal for OSC52")
	}
	if len(text) > osc52LimitBytes {
		return fmt.Errorf("text too large for OSC52 (%d bytes > %d)", len(text), osc52LimitBytes)
	}

	seq := osc52.New(text).Limit(osc52LimitBytes)
	if os.Getenv("TMUX") != "" {
		seq = seq.Tmux()
	} else if os.Getenv("STY") != "" {
		seq = seq.Screen()
	}
	_, err := seq.WriteTo(c.terminal)
	return err
}

func (c *Copier) writeTempFile(text string) (string, error) {
	f, err := os.CreateTemp(c.tempDir, "xprun-clipboard-*.txt")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := io.WriteString(f, text); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
