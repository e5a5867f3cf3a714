package rtt

import (
	"errors"
	"io"
	"sync"
)

var ErrClosed = errors.New("rtt: channel closed")

// Channel is a bounded ring buffer with an overflow policy. Write is the
// producer side, Read and WriteTo are the consumer side; both may run on
// different goroutines.
type Channel struct {
	name string
	mode Mode

	mu      sync.Mutex
	cond    *sync.Cond // signalled on data, space and close
	buf     []byte
	rd      int // next byte to read
	n       int // buffered bytes
	dropped int
	closed  bool
	err     error // returned to writers after close
}

func newChannel(c Config) *Channel {
	ch := &Channel{
		name: c.Name,
		mode: c.Mode,
		buf:  make([]byte, c.Size),
	}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

func (c *Channel) Name() string { return c.name }
func (c *Channel) Size() int    { return len(c.buf) }
func (c *Channel) Mode() Mode   { return c.mode }

// Buffered returns the number of bytes waiting for the consumer.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Dropped returns the number of bytes discarded by the overflow policy.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Write queues p for the consumer. Non-blocking modes always report len(p)
// and discard silently; ModeBlock returns only once all of p is buffered or
// the channel is closed.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, c.closeErr()
	}

	switch c.mode {
	case ModeSkip:
		if len(p) > len(c.buf)-c.n {
			c.dropped += len(p)
			return len(p), nil
		}
		c.put(p)
	case ModeDropOldest:
		c.overwrite(p)
	case ModeBlock:
		written := 0
		for written < len(p) {
			for c.n == len(c.buf) && !c.closed {
				c.cond.Wait()
			}
			if c.closed {
				return written, c.closeErr()
			}
			written += c.put(p[written:])
			c.cond.Broadcast()
		}
		return written, nil
	}
	c.cond.Broadcast()
	return len(p), nil
}

// Read blocks until data is buffered and copies it into p. After Close it
// returns the remaining data and then io.EOF.
func (c *Channel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.n == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.n == 0 {
		return 0, io.EOF
	}
	n := c.get(p)
	c.cond.Broadcast()
	return n, nil
}

// WriteTo drains the channel into w until it is closed and empty. If w
// fails, the channel is closed with that error so a blocked producer sees it.
func (c *Channel) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, len(c.buf))
	var total int64
	for {
		n, err := c.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			total += int64(m)
			if werr == nil && m < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				c.CloseWithError(werr)
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Close marks the end of the stream. Buffered data stays readable.
func (c *Channel) Close() error {
	return c.CloseWithError(nil)
}

// CloseWithError closes the channel; subsequent and blocked writes fail with
// err, or ErrClosed if err is nil. Closing twice keeps the first error.
func (c *Channel) CloseWithError(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.err = err
	}
	c.cond.Broadcast()
	return nil
}

func (c *Channel) closeErr() error {
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// put appends as much of p as fits and returns the byte count.
func (c *Channel) put(p []byte) int {
	n := min(len(p), len(c.buf)-c.n)
	wr := (c.rd + c.n) % len(c.buf)
	k := copy(c.buf[wr:], p[:n])
	copy(c.buf, p[k:n])
	c.n += n
	return n
}

// get moves up to len(p) buffered bytes into p.
func (c *Channel) get(p []byte) int {
	n := min(len(p), c.n)
	k := copy(p[:n], c.buf[c.rd:])
	copy(p[k:n], c.buf)
	c.rd = (c.rd + n) % len(c.buf)
	c.n -= n
	return n
}

func (c *Channel) overwrite(p []byte) {
	if extra := len(p) - len(c.buf); extra > 0 {
		c.dropped += extra
		p = p[extra:]
	}
	if over := len(p) - (len(c.buf) - c.n); over > 0 {
		c.rd = (c.rd + over) % len(c.buf)
		c.n -= over
		c.dropped += over
	}
	c.put(p)
}
