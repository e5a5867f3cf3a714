package flashdump

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// Device is an FT2232H MPSSE adapter wired to an SPI flash chip.
type Device struct {
	FTDI  *ftdi.FT232H
	Flash *Flash

	cs gpio.PinIO // ADBUS4 Chip Select

	clock physic.Frequency
	port  spi.PortCloser
	conn  spi.Conn
}

var hostInitialized atomic.Bool

// NewDevice finds FT2232H device, opens MPSSE/SPI connection and brings the
// flash chip out of power-down.
func NewDevice() (*Device, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	d := &Device{
		clock: 30 * physic.MegaHertz, // [AN_135 3.2.1 Divisors]
	}
	if err := d.findFT2232H(); err != nil {
		return nil, err
	}

	// ADBUS0 | SCK
	// ADBUS1 | MOSI / flash DI
	// ADBUS2 | MISO / flash DO
	// ADBUS4 | flash /CS (ADBUS3 is left to the MPSSE SPI port)
	d.cs = d.FTDI.D4

	if err := d.connectSPI(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.cs.Out(gpio.High); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to release chip select: %w", err)
	}

	d.Flash = NewFlash(d.conn, d.cs)
	if err := d.Flash.Init(); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

// Close releases the SPI port.
func (d *Device) Close() error {
	if d.port == nil {
		return nil
	}
	return d.port.Close()
}

func (d *Device) findFT2232H() error {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			d.FTDI = ft
			return nil
		}
	}

	return errors.New("FT2232H device not found")
}

func (d *Device) connectSPI() error {
	if d.FTDI == nil {
		return errors.New("FT2232H device not found")
	}

	port, err := d.FTDI.SPI()
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}
	return d.connect(port)
}

// connect configures port for the flash and keeps it open on success only.
func (d *Device) connect(port spi.PortCloser) error {
	// [FTDI AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// [N25Q32|Table 7: SPI Modes] mode 0 and mode 3 are supported
	mode := spi.Mode0
	conn, err := port.Connect(d.clock, mode, 8)
	if err != nil {
		port.Close()
		return fmt.Errorf("failed to connect SPI port: %w", err)
	}
	d.port, d.conn = port, conn
	return nil
}
