package flashdump

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

var (
	ErrNoDevice         = errors.New("no flash chip responding")
	ErrInvalidID        = errors.New("invalid JEDEC ID")
	ErrUnexpectedStatus = errors.New("unexpected flash status")
	ErrAddressRange     = errors.New("address out of 24-bit range")
)

// Flash is an SPI NOR flash chip behind a periph.io SPI connection and a
// GPIO chip select. It implements Bus.
type Flash struct {
	conn spi.Conn
	cs   gpio.PinOut
	pr   *flashParams

	txBuf []byte // reused across Read transactions
}

func NewFlash(conn spi.Conn, cs gpio.PinOut) *Flash {
	return &Flash{
		conn: conn,
		cs:   cs,
	}
}

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdReadStatusRegister = 0x05
)

// tx wraps SPI transaction with CS assertion.
func (f *Flash) tx(buf []byte) (err error) {
	if err = f.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := f.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = f.conn.Tx(buf, buf)
	return
}

// Init wakes the chip up and checks that it is idle with writes disabled.
func (f *Flash) Init() error {
	if err := f.PowerUp(); err != nil {
		return fmt.Errorf("flash power up failed: %w", err)
	}
	sr, err := f.ReadStatusRegister()
	if err != nil {
		return fmt.Errorf("read flash status register failed: %w", err)
	}
	if sr.Busy() || sr.WriteEnabled() {
		return fmt.Errorf("%w: %v", ErrUnexpectedStatus, sr)
	}
	return nil
}

func (f *Flash) PowerUp() error {
	buf := []byte{flashCmdPowerUp}
	if err := f.tx(buf); err != nil {
		return err
	}
	time.Sleep(f.tRES1())
	return nil
}

func (f *Flash) PowerDown() error {
	buf := []byte{flashCmdPowerDown}
	if err := f.tx(buf); err != nil {
		return err
	}
	time.Sleep(f.tDP())
	return nil
}

// ID is a JEDEC identification: manufacturer, memory type and capacity, plus
// the number of 0x7F bank continuation codes preceding the manufacturer.
type ID struct {
	Continuations int
	Bytes         [3]byte
}

// Name returns the chip name for known IDs and "" otherwise.
func (id ID) Name() string {
	if id.Continuations != 0 {
		return ""
	}
	return knownFlash[id.Bytes].name
}

func (id ID) String() string {
	s := fmt.Sprintf("%X", id.Bytes)
	if id.Continuations > 0 {
		s = fmt.Sprintf("%d:%s", id.Continuations, s)
	}
	if name := id.Name(); name != "" {
		s += " (" + name + ")"
	}
	return s
}

const (
	idLen            = 12 // response bytes clocked out for Read ID
	idContinuationID = 0x7F
)

// ReadID returns the JEDEC ID of the flash chip and configures its parameters.
// Continuation codes are skipped and counted; the extended device string is
// ignored.
func (f *Flash) ReadID() (ID, error) {
	buf := make([]byte, 1+idLen)
	buf[0] = flashCmdReadID

	if err := f.tx(buf); err != nil {
		return ID{}, err
	}

	id, err := parseID(buf[1:])
	if err != nil {
		return ID{}, err
	}
	f.pr = nil
	if id.Continuations == 0 {
		if params, ok := knownFlash[id.Bytes]; ok {
			f.pr = &params
		}
	}
	return id, nil
}

func parseID(b []byte) (ID, error) {
	if allEqual(b, 0x00) || allEqual(b, 0xFF) {
		return ID{}, fmt.Errorf("%w (%X)", ErrNoDevice, b[0])
	}
	var id ID
	for len(b) > 0 && b[0] == idContinuationID {
		id.Continuations++
		b = b[1:]
	}
	if len(b) < len(id.Bytes) {
		return ID{}, fmt.Errorf("%w: %d continuation codes", ErrInvalidID, id.Continuations)
	}
	id.Bytes = [3]byte(b[:3])
	return id, nil
}

func allEqual(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

// Read fills buf with the contents starting at addr, splitting it into
// multiple transactions if needed to stay within the maximum transaction size.
func (f *Flash) Read(addr uint32, buf []byte) error {
	const (
		maxTx    = 65536 // [FTDI-AN_108]
		cmdBytes = 4     // opRead + 24-bit address
		maxData  = maxTx - cmdBytes
		max24    = 1 << 24
	)

	if uint64(addr)+uint64(len(buf)) > max24 {
		return fmt.Errorf("%w: 0x%X+0x%X", ErrAddressRange, addr, len(buf))
	}

	for off := 0; off < len(buf); {
		chunk := min(len(buf)-off, maxData)
		tx := f.scratch(cmdBytes + chunk)
		tx[0] = flashCmdRead
		tx[1] = byte(addr >> 16)
		tx[2] = byte(addr >> 8)
		tx[3] = byte(addr)
		clear(tx[cmdBytes:]) // dummy bytes

		if err := f.tx(tx); err != nil {
			return fmt.Errorf("read 0x%06X: %w", addr, err)
		}

		copy(buf[off:], tx[cmdBytes:])

		addr += uint32(chunk)
		off += chunk
	}
	return nil
}

func (f *Flash) scratch(n int) []byte {
	if cap(f.txBuf) < n {
		f.txBuf = make([]byte, n)
	}
	return f.txBuf[:n]
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Reserved                             | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool         { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool         { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool         { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	flags := []struct {
		set  bool
		name string
	}{
		{sr.StatusRegisterProtect(), "SRP"},
		{sr.SectorProtect(), "SEC"},
		{sr.TopBottom(), "TB"},
		{sr.BlockProtect2(), "BP2"},
		{sr.BlockProtect1(), "BP1"},
		{sr.BlockProtect0(), "BP0"},
		{sr.WriteEnabled(), "WEL"},
		{sr.Busy(), "BUSY"},
	}
	s := []string{}
	for _, f := range flags {
		if f.set {
			s = append(s, f.name)
		}
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}
