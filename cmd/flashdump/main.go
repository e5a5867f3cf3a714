// Command flashdump reads out an SPI NOR flash chip wired to an FT2232H.
//
// The raw flash contents are written to stdout; progress goes to stderr:
//
//	flashdump > flash.bin
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/gentam/flashdump"
	"github.com/gentam/flashdump/rtt"
)

const (
	flashSize    = 16 * 1024 * 1024 // W25Q128, 128Mb
	chunkSize    = 32 * 1024
	terminalSize = 1024
)

// flashSize must be a multiple of chunkSize.
var _ [0]struct{} = [flashSize % chunkSize]struct{}{}

// opener brings up the hardware and returns the flash bus together with what
// has to be released once the dump is over.
type opener func() (flashdump.Bus, io.Closer, error)

func main() {
	os.Exit(run(os.Stdout, os.Stderr, isTerminal(os.Stderr), openDevice))
}

// device powers the flash down before releasing the adapter.
type device struct {
	*flashdump.Device
}

func (d device) Close() error {
	return errors.Join(d.Flash.PowerDown(), d.Device.Close())
}

func openDevice() (flashdump.Bus, io.Closer, error) {
	d, err := flashdump.NewDevice()
	if err != nil {
		return nil, nil, err
	}
	return d.Flash, device{d}, nil
}

// run performs one dump with the Binary channel drained into stdout and the
// Terminal channel into stderr, and returns the exit status.
func run(stdout, stderr io.Writer, colored bool, open opener) int {
	cb, err := rtt.Init(
		rtt.Config{Name: "Terminal", Size: terminalSize, Mode: rtt.ModeDropOldest},
		rtt.Config{Name: "Binary", Size: chunkSize, Mode: rtt.ModeBlock},
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	terminal, binary := cb.Up("Terminal"), cb.Up("Binary")

	con := newConsole(stderr, colored)
	terminalDone := drain(terminal, con)
	binaryDone := drain(binary, stdout)

	logger := log.New(terminal, "", 0)
	logger.Print("INIT")

	err = dump(open, terminal, binary)

	// The last chunk may still be buffered when the dump returns; the stream
	// is complete only once the drain has written it out.
	binary.Close()
	if werr := <-binaryDone; werr != nil && err == nil {
		err = fmt.Errorf("%s: %w", flashdump.OpWrite, werr)
	}
	if err != nil {
		logger.Printf("PANIC %v", err)
	}

	cb.Close()
	<-terminalDone // nowhere left to report a failing stderr
	con.Flush()
	if err != nil {
		return 1
	}
	return 0
}

func drain(c *rtt.Channel, w io.Writer) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := c.WriteTo(w)
		done <- err
	}()
	return done
}

func dump(open opener, terminal, binary io.Writer) (err error) {
	bus, closer, err := open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()

	d, err := flashdump.NewDumper(bus, terminal, binary, flashSize, chunkSize)
	if err != nil {
		return err
	}
	return d.Run()
}
