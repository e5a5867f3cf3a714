package flashdump

import (
	"errors"
	"fmt"
	"io"
	"log"
)

// Bus is the capability the dump loop needs from a flash chip.
type Bus interface {
	ReadID() (ID, error)
	Read(addr uint32, buf []byte) error
}

// Steps a dump can halt at.
const (
	OpIdentify = "identify"
	OpRead     = "read"
	OpWrite    = "write"
)

// HaltError is the terminal state of a failed dump. Chunk is the 1-based index
// of the chunk being transferred, or 0 when the dump failed before the first
// chunk.
type HaltError struct {
	Op    string
	Chunk int
	Addr  uint32
	Err   error
}

func (e *HaltError) Error() string {
	if e.Op == OpIdentify {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s chunk %d at 0x%08X: %v", e.Op, e.Chunk, e.Addr, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

var errGeometry = errors.New("flash size must be a positive multiple of the chunk size")

// Dumper streams a flash address space to a binary writer in fixed-size
// chunks, logging progress to a separate writer.
type Dumper struct {
	bus    Bus
	log    *log.Logger
	out    io.Writer
	size   int
	chunks int
	buf    []byte
}

// NewDumper returns a Dumper for size bytes read in chunkSize pieces. The
// chunk buffer is allocated once here and reused by every iteration.
func NewDumper(bus Bus, logw, out io.Writer, size, chunkSize int) (*Dumper, error) {
	if chunkSize <= 0 || size <= 0 || size%chunkSize != 0 {
		return nil, fmt.Errorf("%w: size %d, chunk %d", errGeometry, size, chunkSize)
	}
	return &Dumper{
		bus:    bus,
		log:    log.New(logw, "", 0),
		out:    out,
		size:   size,
		chunks: size / chunkSize,
		buf:    make([]byte, chunkSize),
	}, nil
}

// Chunks returns the number of chunks a complete dump transfers.
func (d *Dumper) Chunks() int { return d.chunks }

// Run identifies the chip and transfers every chunk in address order. It
// returns nil once the last chunk has been written and a *HaltError on the
// first failure; nothing is retried.
func (d *Dumper) Run() error {
	id, err := d.bus.ReadID()
	if err != nil {
		return &HaltError{Op: OpIdentify, Err: err}
	}
	d.log.Printf("FLASH %v", id)

	c := len(d.buf)
	for i := 0; i < d.chunks; i++ {
		addr := uint32(i * c)
		d.log.Printf("DUMP 0x%08X %d / %d", addr, i+1, d.chunks)

		if err := d.bus.Read(addr, d.buf); err != nil {
			return &HaltError{Op: OpRead, Chunk: i + 1, Addr: addr, Err: err}
		}

		n, err := d.out.Write(d.buf)
		if err == nil && n < c {
			err = fmt.Errorf("%w: %d of %d bytes", io.ErrShortWrite, n, c)
		}
		if err != nil {
			return &HaltError{Op: OpWrite, Chunk: i + 1, Addr: addr, Err: err}
		}
	}
	return nil
}
