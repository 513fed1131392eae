package tcs3430

import (
	"errors"
	"testing"

	"golang.org/x/exp/io/i2c"
	"golang.org/x/exp/io/i2c/driver"
)

type busWrite struct {
	reg  byte
	data []byte
}

// fakeBus is a driver.Opener backed by a 256 byte register file. STATUS
// behaves as write-1-to-clear.
type fakeBus struct {
	regs      [256]byte
	addr      int
	opened    int
	closed    int
	openErr   error
	failRead  map[byte]error
	failWrite map[byte]error
	writes    []busWrite
}

func newFakeBus() *fakeBus {
	f := &fakeBus{
		failRead:  map[byte]error{},
		failWrite: map[byte]error{},
	}
	f.regs[TCS3430_REGISTER_ID] = TCS3430_CHIP_ID
	return f
}

func (f *fakeBus) Open(addr int, tenbit bool) (driver.Conn, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.addr = addr
	f.opened++
	return &fakeConn{bus: f}, nil
}

type fakeConn struct {
	bus *fakeBus
}

func (c *fakeConn) Tx(w, r []byte) error {
	f := c.bus
	if len(w) == 0 {
		return errors.New("fake bus: missing register address")
	}
	reg := w[0]
	if len(r) > 0 {
		if err := f.failRead[reg]; err != nil {
			return err
		}
		copy(r, f.regs[reg:])
		return nil
	}
	if err := f.failWrite[reg]; err != nil {
		return err
	}
	data := append([]byte(nil), w[1:]...)
	f.writes = append(f.writes, busWrite{reg: reg, data: data})
	if reg == TCS3430_REGISTER_STATUS {
		for _, b := range data {
			f.regs[reg] &^= b
		}
		return nil
	}
	copy(f.regs[reg:], data)
	return nil
}

func (c *fakeConn) Close() error {
	c.bus.closed++
	return nil
}

// openFake returns a sensor that passed Begin on a fresh fake bus, with the
// write log reset.
func openFake(t *testing.T) (*TCS3430, *fakeBus) {
	t.Helper()
	f := newFakeBus()
	tcs, err := New(f, TCS3430_ADDR)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.writes = nil
	return tcs, f
}

// openRaw returns a bare i2c.Device on the fake bus for the register helpers.
func openRaw(t *testing.T) (*i2c.Device, *fakeBus) {
	t.Helper()
	f := newFakeBus()
	d, err := i2c.Open(f, TCS3430_ADDR)
	if err != nil {
		t.Fatalf("i2c.Open() error = %v", err)
	}
	return d, f
}
