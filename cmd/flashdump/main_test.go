package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/gentam/flashdump"
)

var errDiskFull = errors.New("disk full")

func patternByte(a uint32) byte { return byte(a ^ a>>8 ^ a>>16) }

// fakeFlash serves a 24-bit address space filled with patternByte.
type fakeFlash struct {
	idErr  error
	failAt int // 1-based read that fails, 0 for none
	reads  int
}

func (f *fakeFlash) ReadID() (flashdump.ID, error) {
	if f.idErr != nil {
		return flashdump.ID{}, f.idErr
	}
	return flashdump.ID{Bytes: [3]byte{0xEF, 0x40, 0x18}}, nil
}

func (f *fakeFlash) Read(addr uint32, buf []byte) error {
	f.reads++
	if f.reads == f.failAt {
		return errors.New("bus read failed")
	}
	for i := range buf {
		buf[i] = patternByte(addr + uint32(i))
	}
	return nil
}

type fakeCloser struct {
	closed   int
	err      error
	released chan struct{}
}

func (c *fakeCloser) Close() error {
	c.closed++
	if c.released != nil {
		close(c.released)
	}
	return c.err
}

func openWith(bus flashdump.Bus, closer *fakeCloser) opener {
	return func() (flashdump.Bus, io.Closer, error) {
		return bus, closer, nil
	}
}

// imageCheck verifies the binary stream byte by byte. When failFrom is set,
// the first write that reaches it waits for release and then fails.
type imageCheck struct {
	n        int
	bad      int
	failFrom int
	release  <-chan struct{}
}

func (w *imageCheck) Write(p []byte) (int, error) {
	if w.failFrom > 0 && w.n+len(p) > w.failFrom {
		if w.release != nil {
			<-w.release
		}
		return 0, errDiskFull
	}
	for _, v := range p {
		if v != patternByte(uint32(w.n)) {
			w.bad++
		}
		w.n++
	}
	return len(p), nil
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func panicLines(log string) []string {
	var lines []string
	for _, l := range strings.Split(log, "\n") {
		if strings.HasPrefix(l, "PANIC ") {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestRunComplete(t *testing.T) {
	c := qt.New(t)
	var (
		stdout imageCheck
		stderr syncBuffer
		closer fakeCloser
	)

	code := run(&stdout, &stderr, false, openWith(&fakeFlash{}, &closer))

	c.Assert(code, qt.Equals, 0)
	c.Assert(stdout.n, qt.Equals, flashSize)
	c.Assert(stdout.bad, qt.Equals, 0)
	c.Assert(closer.closed, qt.Equals, 1)
	c.Assert(panicLines(stderr.String()), qt.HasLen, 0)
	c.Assert(strings.HasSuffix(stderr.String(), "\nDUMP 0x00FF8000 512 / 512\n"), qt.IsTrue)
}

func TestRunLogsInitBeforeBringUp(t *testing.T) {
	c := qt.New(t)
	var stderr syncBuffer
	errNoAdapter := errors.New("FT2232H device not found")

	open := func() (flashdump.Bus, io.Closer, error) {
		deadline := time.Now().Add(time.Second)
		for stderr.String() == "" && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		c.Check(stderr.String(), qt.Equals, "INIT\n")
		return nil, nil, errNoAdapter
	}

	code := run(io.Discard, &stderr, false, open)

	c.Assert(code, qt.Equals, 1)
	c.Assert(stderr.String(), qt.Equals, "INIT\nPANIC FT2232H device not found\n")
}

func TestRunHalts(t *testing.T) {
	tests := []struct {
		name   string
		bus    *fakeFlash
		cerr   error
		stderr string
	}{{
		name:   "identify",
		bus:    &fakeFlash{idErr: flashdump.ErrNoDevice},
		stderr: "INIT\nPANIC identify: no flash chip responding\n",
	}, {
		name: "read",
		bus:  &fakeFlash{failAt: 1},
		stderr: "INIT\nFLASH EF4018 (Winbond W25Q 128Mb)\nDUMP 0x00000000 1 / 512\n" +
			"PANIC read chunk 1 at 0x00000000: bus read failed\n",
	}, {
		name:   "close",
		bus:    &fakeFlash{idErr: flashdump.ErrNoDevice},
		cerr:   errors.New("power-down failed"),
		stderr: "INIT\nPANIC identify: no flash chip responding\n",
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			var stderr syncBuffer
			closer := fakeCloser{err: tt.cerr}

			code := run(io.Discard, &stderr, false, openWith(tt.bus, &closer))

			c.Assert(code, qt.Equals, 1)
			c.Assert(closer.closed, qt.Equals, 1)
			c.Assert(stderr.String(), qt.Equals, tt.stderr)
		})
	}
}

func TestRunReportsCloseError(t *testing.T) {
	c := qt.New(t)
	var (
		stdout imageCheck
		stderr syncBuffer
	)
	closer := fakeCloser{err: errors.New("power-down failed")}

	code := run(&stdout, &stderr, false, openWith(&fakeFlash{}, &closer))

	c.Assert(code, qt.Equals, 1)
	c.Assert(stdout.n, qt.Equals, flashSize)
	c.Assert(panicLines(stderr.String()), qt.DeepEquals, []string{"PANIC close: power-down failed"})
}

func TestRunReportsLostTail(t *testing.T) {
	c := qt.New(t)
	var stderr syncBuffer
	closer := fakeCloser{released: make(chan struct{})}
	// The sink rejects the last chunk only after the dump loop has finished
	// and the device has been released.
	stdout := imageCheck{failFrom: flashSize - chunkSize, release: closer.released}

	code := run(&stdout, &stderr, false, openWith(&fakeFlash{}, &closer))

	c.Assert(code, qt.Equals, 1)
	c.Assert(stdout.n < flashSize, qt.IsTrue)
	c.Assert(stdout.bad, qt.Equals, 0)
	c.Assert(panicLines(stderr.String()), qt.DeepEquals, []string{"PANIC write: disk full"})
}

func TestRunReportsSinkFailure(t *testing.T) {
	c := qt.New(t)
	var stderr syncBuffer
	closer := fakeCloser{}
	stdout := imageCheck{failFrom: chunkSize}

	code := run(&stdout, &stderr, false, openWith(&fakeFlash{}, &closer))

	c.Assert(code, qt.Equals, 1)
	c.Assert(closer.closed, qt.Equals, 1)
	panics := panicLines(stderr.String())
	c.Assert(panics, qt.HasLen, 1)
	c.Assert(panics[0], qt.Matches, `PANIC write(: | chunk \d+ at 0x[0-9A-F]{8}: )disk full`)
}
