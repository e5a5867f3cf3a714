package main

import (
	"bytes"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var panicPrefix = []byte("PANIC ")

// console forwards terminal channel output to w one line at a time and
// highlights halt diagnostics.
type console struct {
	w     io.Writer
	line  []byte
	alert *color.Color
}

func newConsole(w io.Writer, colored bool) *console {
	alert := color.New(color.FgRed, color.Bold)
	if colored {
		alert.EnableColor()
	} else {
		alert.DisableColor()
	}
	return &console{w: w, alert: alert}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c *console) Write(p []byte) (int, error) {
	c.line = append(c.line, p...)
	rest := c.line
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		if err := c.emit(rest[:i+1]); err != nil {
			return 0, err
		}
		rest = rest[i+1:]
	}
	c.line = append(c.line[:0], rest...)
	return len(p), nil
}

// Flush writes out a trailing unterminated line.
func (c *console) Flush() error {
	if len(c.line) == 0 {
		return nil
	}
	err := c.emit(append(c.line, '\n'))
	c.line = c.line[:0]
	return err
}

// emit writes one newline-terminated line.
func (c *console) emit(line []byte) error {
	text := bytes.TrimSuffix(line, []byte("\n"))
	if bytes.HasPrefix(text, panicPrefix) {
		_, err := io.WriteString(c.w, c.alert.Sprint(string(text))+"\n")
		return err
	}
	_, err := c.w.Write(line)
	return err
}
