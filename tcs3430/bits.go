package tcs3430

import (
	"fmt"
)

// registerBus is the part of *i2c.Device the register helpers need.
type registerBus interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
}

// field addresses nbits bits starting at bit shift inside a register that is
// width bytes wide (least significant byte first).
type field struct {
	reg   byte
	width uint8
	nbits uint8
	shift uint8
}

// bit is a one bit field in a single byte register.
func bit(reg, shift byte) field {
	return field{reg: reg, width: 1, nbits: 1, shift: shift}
}

// bits is a multi bit field in a single byte register.
func bits(reg byte, nbits, shift uint8) field {
	return field{reg: reg, width: 1, nbits: nbits, shift: shift}
}

func (f field) mask() uint32 {
	return uint32(1)<<f.nbits - 1
}

func (f field) valid() error {
	if f.width == 0 || f.width > 4 {
		return fmt.Errorf("register 0x%02X: unsupported width %d", f.reg, f.width)
	}
	if f.nbits == 0 || uint(f.shift)+uint(f.nbits) > 8*uint(f.width) {
		return fmt.Errorf("register 0x%02X: %d bits at offset %d do not fit in %d bytes", f.reg, f.nbits, f.shift, f.width)
	}
	return nil
}

// readRegister reads a whole register of width bytes, LSB first.
func readRegister(b registerBus, reg byte, width uint8) (uint32, error) {
	var buf [4]byte
	if err := b.ReadReg(reg, buf[:width]); err != nil {
		return 0, fmt.Errorf("read register 0x%02X: %w", reg, err)
	}
	var v uint32
	for i := int(width) - 1; i >= 0; i-- {
		v = v<<8 | uint32(buf[i])
	}
	return v, nil
}

// writeRegister writes a whole register of width bytes, LSB first.
func writeRegister(b registerBus, reg byte, width uint8, v uint32) error {
	var buf [4]byte
	for i := uint8(0); i < width; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	if err := b.WriteReg(reg, buf[:width]); err != nil {
		return fmt.Errorf("write register 0x%02X: %w", reg, err)
	}
	return nil
}

// readField extracts f from its register.
func readField(b registerBus, f field) (uint32, error) {
	if err := f.valid(); err != nil {
		return 0, err
	}
	v, err := readRegister(b, f.reg, f.width)
	if err != nil {
		return 0, err
	}
	return (v >> f.shift) & f.mask(), nil
}

// writeField merges value into f with a read-modify-write of the register.
// Bits outside the field keep whatever the read returned.
func writeField(b registerBus, f field, value uint32) error {
	if err := f.valid(); err != nil {
		return err
	}
	v, err := readRegister(b, f.reg, f.width)
	if err != nil {
		return err
	}
	mask := f.mask() << f.shift
	v = v&^mask | (value<<f.shift)&mask
	return writeRegister(b, f.reg, f.width, v)
}

func readFlag(b registerBus, f field) (bool, error) {
	v, err := readField(b, f)
	return v == 1, err
}

func writeFlag(b registerBus, f field, set bool) error {
	var v uint32
	if set {
		v = 1
	}
	return writeField(b, f, v)
}

// clearFlag acknowledges a write-1-to-clear status bit. Only the target bit is
// written as 1, so other pending flags in the register are left alone.
func clearFlag(b registerBus, f field) error {
	if err := f.valid(); err != nil {
		return err
	}
	return writeRegister(b, f.reg, f.width, f.mask()<<f.shift)
}
