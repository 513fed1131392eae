package tcs3430

/*
 * tcs3430 - Package for interacting with TCS3430 color/ALS sensors.
 *
 * Ref:
 * https://github.com/adafruit/Adafruit_TCS3430
 * https://ams.com/tcs3430
 *
 */

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/io/i2c"
	"golang.org/x/exp/io/i2c/driver"
)

var l *logrus.Logger

func init() {
	l = logrus.New()
	// Setup the logger, so it can be parsed by datadog
	l.Formatter = &logrus.JSONFormatter{}
	l.SetOutput(os.Stdout)
	// Set the log level
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	switch logLevel {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "info":
		l.SetLevel(logrus.InfoLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
}

// ErrWrongChip is returned by Begin when the ID register does not hold 0xDC.
var ErrWrongChip = errors.New("tcs3430: unexpected chip id")

// ErrNotConnected is returned when the driver has no open device.
var ErrNotConnected = errors.New("tcs3430: device not connected")

// PartialWriteError reports a composite setter whose first register write
// landed but whose second failed. Nothing is rolled back, so the sensor is
// left with the first write applied.
type PartialWriteError struct {
	Op  string
	Err error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("tcs3430: %s partially applied: %v", e.Op, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// Channels holds one burst read of the color channels.
type Channels struct {
	X uint16
	Y uint16
	Z uint16
}

// TCS3430 is a single sensor on an I2C bus. It does no locking: callers that
// share it between goroutines must serialise access themselves.
type TCS3430 struct {
	device *i2c.Device
	addr   int
}

// Open connects to a TCS3430 on the i2c-dev bus at path.
func Open(path string, addr int) (*TCS3430, error) {
	if path == "" {
		// i2c-1 is the default I2C bus for the Raspberry Pi
		path = "/dev/i2c-1"
	}
	return New(&i2c.Devfs{Dev: path}, addr)
}

// New connects to a TCS3430 through o, checks its ID and turns on the ALS.
func New(o driver.Opener, addr int) (*TCS3430, error) {
	tcs := &TCS3430{}
	if err := tcs.Begin(o, addr); err != nil {
		return nil, err
	}
	return tcs, nil
}

// Begin opens the device at addr, verifies the chip ID and then powers on
// and enables the ALS. A device held from an earlier Begin is closed first.
// Power on is not attempted when the ID check fails.
func (tcs *TCS3430) Begin(o driver.Opener, addr int) error {
	if tcs.device != nil {
		if err := tcs.device.Close(); err != nil {
			l.Debugf("Closing previous device: %v", err)
		}
		tcs.device = nil
	}
	if addr == 0 {
		addr = TCS3430_ADDR
	}

	device, err := i2c.Open(o, addr)
	if err != nil {
		return fmt.Errorf("Failed to open: %w", err)
	}
	tcs.device = device
	tcs.addr = addr

	buf := make([]byte, 1)
	if err := tcs.device.ReadReg(TCS3430_REGISTER_ID, buf); err != nil {
		tcs.Close()
		return fmt.Errorf("Failed to read chip id: %w", err)
	}
	if buf[0] != TCS3430_CHIP_ID {
		tcs.Close()
		return fmt.Errorf("%w: 0x%02X at address 0x%02X", ErrWrongChip, buf[0], addr)
	}
	l.Debugf("Found TCS3430 at address 0x%02X", addr)

	if err := tcs.PowerOn(true); err != nil {
		return err
	}
	return tcs.ALSEnable(true)
}

// Close releases the I2C device.
func (tcs *TCS3430) Close() error {
	if tcs.device == nil {
		return nil
	}
	err := tcs.device.Close()
	tcs.device = nil
	return err
}

// Address returns the I2C address the sensor was opened at.
func (tcs *TCS3430) Address() int {
	return tcs.addr
}

func (tcs *TCS3430) bus() (registerBus, error) {
	if tcs.device == nil {
		return nil, ErrNotConnected
	}
	return tcs.device, nil
}

func (tcs *TCS3430) readFlag(f field) (bool, error) {
	b, err := tcs.bus()
	if err != nil {
		return false, err
	}
	return readFlag(b, f)
}

func (tcs *TCS3430) writeFlag(f field, set bool) error {
	b, err := tcs.bus()
	if err != nil {
		return err
	}
	return writeFlag(b, f, set)
}

func (tcs *TCS3430) readField(f field) (uint32, error) {
	b, err := tcs.bus()
	if err != nil {
		return 0, err
	}
	return readField(b, f)
}

func (tcs *TCS3430) writeField(f field, v uint32) error {
	b, err := tcs.bus()
	if err != nil {
		return err
	}
	return writeField(b, f, v)
}

func (tcs *TCS3430) readByte(reg byte) (uint8, error) {
	v, err := tcs.readField(bits(reg, 8, 0))
	return uint8(v), err
}

func (tcs *TCS3430) writeByte(reg byte, v uint8) error {
	b, err := tcs.bus()
	if err != nil {
		return err
	}
	return writeRegister(b, reg, 1, uint32(v))
}

func (tcs *TCS3430) readWord(reg byte) (uint16, error) {
	b, err := tcs.bus()
	if err != nil {
		return 0, err
	}
	v, err := readRegister(b, reg, 2)
	return uint16(v), err
}

func (tcs *TCS3430) writeWord(reg byte, v uint16) error {
	b, err := tcs.bus()
	if err != nil {
		return err
	}
	return writeRegister(b, reg, 2, uint32(v))
}

// Power on/off the oscillator and analog block
func (tcs *TCS3430) PowerOn(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_ENABLE, ENABLE_PON), enable)
}

func (tcs *TCS3430) IsPoweredOn() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_ENABLE, ENABLE_PON))
}

// Enable/disable the ALS measurement engine
func (tcs *TCS3430) ALSEnable(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_ENABLE, ENABLE_AEN), enable)
}

func (tcs *TCS3430) IsALSEnabled() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_ENABLE, ENABLE_AEN))
}

// Enable/disable the wait timer between ALS cycles
func (tcs *TCS3430) WaitEnable(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_ENABLE, ENABLE_WEN), enable)
}

func (tcs *TCS3430) IsWaitEnabled() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_ENABLE, ENABLE_WEN))
}

// CyclesForTime converts millis to the ATIME/WTIME register value,
// round(ms/2.78) - 1. Values outside 2.78..711.68ms are clamped to 0 and 255.
func CyclesForTime(ms float64) uint8 {
	cycles := math.Round(ms/TCS3430_CYCLE_MS) - 1
	if math.IsNaN(cycles) || cycles < 0 {
		return 0
	}
	if cycles > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(cycles)
}

// TimeForCycles converts an ATIME/WTIME register value to millis.
func TimeForCycles(cycles uint8) float64 {
	return float64(int(cycles)+1) * TCS3430_CYCLE_MS
}

func (tcs *TCS3430) SetIntegrationCycles(cycles uint8) error {
	return tcs.writeByte(TCS3430_REGISTER_ATIME, cycles)
}

func (tcs *TCS3430) IntegrationCycles() (uint8, error) {
	return tcs.readByte(TCS3430_REGISTER_ATIME)
}

// Set the ALS integration time in millis, quantised to 2.78ms steps
func (tcs *TCS3430) SetIntegrationTime(ms float64) error {
	return tcs.SetIntegrationCycles(CyclesForTime(ms))
}

func (tcs *TCS3430) IntegrationTime() (float64, error) {
	cycles, err := tcs.IntegrationCycles()
	if err != nil {
		return 0, err
	}
	return TimeForCycles(cycles), nil
}

func (tcs *TCS3430) SetWaitCycles(cycles uint8) error {
	return tcs.writeByte(TCS3430_REGISTER_WTIME, cycles)
}

func (tcs *TCS3430) WaitCycles() (uint8, error) {
	return tcs.readByte(TCS3430_REGISTER_WTIME)
}

// Set the wait time in millis. WaitLong multiplies the result by 12 on the
// chip but is not part of this conversion.
func (tcs *TCS3430) SetWaitTime(ms float64) error {
	return tcs.SetWaitCycles(CyclesForTime(ms))
}

func (tcs *TCS3430) WaitTime() (float64, error) {
	cycles, err := tcs.WaitCycles()
	if err != nil {
		return 0, err
	}
	return TimeForCycles(cycles), nil
}

// Toggle the 12x wait time multiplier
func (tcs *TCS3430) SetWaitLong(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_CFG0, CFG0_WLONG), enable)
}

func (tcs *TCS3430) WaitLong() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_CFG0, CFG0_WLONG))
}

// SetGain writes the AGAIN field and then the HGAIN bit. Gain128X is stored as
// Gain64X with HGAIN set, every other gain clears HGAIN. If the HGAIN write
// fails after AGAIN was written, a *PartialWriteError is returned.
func (tcs *TCS3430) SetGain(gain Gain) error {
	again, hgain := gain, false
	switch gain {
	case Gain1X, Gain4X, Gain16X, Gain64X:
	case Gain128X:
		again, hgain = Gain64X, true
	default:
		return fmt.Errorf("tcs3430: invalid gain 0x%02X", byte(gain))
	}

	if err := tcs.writeField(bits(TCS3430_REGISTER_CFG1, 2, CFG1_AGAIN), uint32(again)); err != nil {
		return err
	}
	if err := tcs.writeFlag(bit(TCS3430_REGISTER_CFG2, CFG2_HGAIN), hgain); err != nil {
		return &PartialWriteError{Op: "set gain " + gain.String(), Err: err}
	}
	l.Debugf("Set - Gain: %v", gain)
	return nil
}

func (tcs *TCS3430) Gain() (Gain, error) {
	again, err := tcs.readField(bits(TCS3430_REGISTER_CFG1, 2, CFG1_AGAIN))
	if err != nil {
		return 0, err
	}
	hgain, err := tcs.readFlag(bit(TCS3430_REGISTER_CFG2, CFG2_HGAIN))
	if err != nil {
		return 0, err
	}
	if Gain(again) == Gain64X && hgain {
		return Gain128X, nil
	}
	return Gain(again), nil
}

// Route IR2 to the X channel instead of the X photodiode
func (tcs *TCS3430) SetALSMuxIR2(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_CFG1, CFG1_AMUX), enable)
}

func (tcs *TCS3430) ALSMuxIR2() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_CFG1, CFG1_AMUX))
}

func (tcs *TCS3430) SetALSThresholdLow(threshold uint16) error {
	return tcs.writeWord(TCS3430_REGISTER_AILTL, threshold)
}

func (tcs *TCS3430) ALSThresholdLow() (uint16, error) {
	return tcs.readWord(TCS3430_REGISTER_AILTL)
}

func (tcs *TCS3430) SetALSThresholdHigh(threshold uint16) error {
	return tcs.writeWord(TCS3430_REGISTER_AIHTL, threshold)
}

func (tcs *TCS3430) ALSThresholdHigh() (uint16, error) {
	return tcs.readWord(TCS3430_REGISTER_AIHTL)
}

func (tcs *TCS3430) SetInterruptPersistence(p Persistence) error {
	if p > Pers60 {
		return fmt.Errorf("tcs3430: invalid persistence 0x%02X", byte(p))
	}
	return tcs.writeField(bits(TCS3430_REGISTER_PERS, 4, PERS_APERS), uint32(p))
}

func (tcs *TCS3430) InterruptPersistence() (Persistence, error) {
	v, err := tcs.readField(bits(TCS3430_REGISTER_PERS, 4, PERS_APERS))
	return Persistence(v), err
}

// Data reads the three color channels in one 6 byte burst. The chip returns
// them as Z, Y, X little endian words.
func (tcs *TCS3430) Data() (Channels, error) {
	if tcs.device == nil {
		return Channels{}, ErrNotConnected
	}
	buf := make([]byte, 6)
	if err := tcs.device.ReadReg(TCS3430_REGISTER_CH0DATAL, buf); err != nil {
		return Channels{}, fmt.Errorf("read channel data: %w", err)
	}
	l.Debugf("Bytes read: %v", buf)

	data := Channels{
		Z: binary.LittleEndian.Uint16(buf[0:]),
		Y: binary.LittleEndian.Uint16(buf[2:]),
		X: binary.LittleEndian.Uint16(buf[4:]),
	}
	l.Debugf("X: %v, Y: %v, Z: %v", data.X, data.Y, data.Z)
	return data, nil
}

func (tcs *TCS3430) IsALSSaturated() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_STATUS, STATUS_ASAT))
}

func (tcs *TCS3430) ClearALSSaturated() error {
	b, err := tcs.bus()
	if err != nil {
		return err
	}
	return clearFlag(b, bit(TCS3430_REGISTER_STATUS, STATUS_ASAT))
}

func (tcs *TCS3430) IsALSInterrupt() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_STATUS, STATUS_AINT))
}

func (tcs *TCS3430) ClearALSInterrupt() error {
	b, err := tcs.bus()
	if err != nil {
		return err
	}
	return clearFlag(b, bit(TCS3430_REGISTER_STATUS, STATUS_AINT))
}

// Clear all STATUS flags whenever STATUS is read
func (tcs *TCS3430) SetInterruptClearOnRead(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_CFG3, CFG3_INT_READ_CLEAR), enable)
}

func (tcs *TCS3430) InterruptClearOnRead() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_CFG3, CFG3_INT_READ_CLEAR))
}

// Power down after an interrupt asserts
func (tcs *TCS3430) SetSleepAfterInterrupt(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_CFG3, CFG3_SAI), enable)
}

func (tcs *TCS3430) SleepAfterInterrupt() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_CFG3, CFG3_SAI))
}

func (tcs *TCS3430) SetAutoZeroMode(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_AZ_CONFIG, AZ_CONFIG_MODE), enable)
}

func (tcs *TCS3430) AutoZeroMode() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_AZ_CONFIG, AZ_CONFIG_MODE))
}

// Run the auto zero every n ALS cycles. 0 never runs it again, 127 only runs
// it before the first cycle.
func (tcs *TCS3430) SetRunAutoZeroEveryN(n uint8) error {
	if n > 0x7F {
		return fmt.Errorf("tcs3430: auto zero interval %d out of range", n)
	}
	return tcs.writeField(bits(TCS3430_REGISTER_AZ_CONFIG, 7, AZ_CONFIG_NTH), uint32(n))
}

func (tcs *TCS3430) RunAutoZeroEveryN() (uint8, error) {
	v, err := tcs.readField(bits(TCS3430_REGISTER_AZ_CONFIG, 7, AZ_CONFIG_NTH))
	return uint8(v), err
}

func (tcs *TCS3430) EnableSaturationInterrupt(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_INTENAB, INTENAB_ASIEN), enable)
}

func (tcs *TCS3430) SaturationInterruptEnabled() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_INTENAB, INTENAB_ASIEN))
}

func (tcs *TCS3430) EnableALSInterrupt(enable bool) error {
	return tcs.writeFlag(bit(TCS3430_REGISTER_INTENAB, INTENAB_AIEN), enable)
}

func (tcs *TCS3430) ALSInterruptEnabled() (bool, error) {
	return tcs.readFlag(bit(TCS3430_REGISTER_INTENAB, INTENAB_AIEN))
}

func (tcs *TCS3430) RevisionID() (uint8, error) {
	return tcs.readByte(TCS3430_REGISTER_REVID)
}

// Returns a channel count scaled to 0..1 of the ADC range
func GetNormalizedOutput(count uint16) float64 {
	return float64(count) / 0xFFFF
}
