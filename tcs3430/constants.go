package tcs3430

import "fmt"

const (
	TCS3430_ADDR    int  = 0x39 ///< Default I2C address
	TCS3430_CHIP_ID byte = 0xDC ///< Expected value of the ID register

	TCS3430_CYCLE_MS float64 = 2.78 ///< Length of one integration/wait cycle in millis
	TCS3430_WLONG_X  float64 = 12   ///< Wait time multiplier when WLONG is set
)

// TCS3430 Register map
const (
	TCS3430_REGISTER_ENABLE    byte = 0x80 // Enables states and interrupts
	TCS3430_REGISTER_ATIME     byte = 0x81 // ADC integration time
	TCS3430_REGISTER_WTIME     byte = 0x83 // ALS wait time
	TCS3430_REGISTER_AILTL     byte = 0x84 // ALS low threshold lower byte
	TCS3430_REGISTER_AILTH     byte = 0x85 // ALS low threshold upper byte
	TCS3430_REGISTER_AIHTL     byte = 0x86 // ALS high threshold lower byte
	TCS3430_REGISTER_AIHTH     byte = 0x87 // ALS high threshold upper byte
	TCS3430_REGISTER_PERS      byte = 0x8C // ALS interrupt persistence filter
	TCS3430_REGISTER_CFG0      byte = 0x8D // Configuration register zero
	TCS3430_REGISTER_CFG1      byte = 0x90 // Configuration register one
	TCS3430_REGISTER_REVID     byte = 0x91 // Revision ID
	TCS3430_REGISTER_ID        byte = 0x92 // Device ID
	TCS3430_REGISTER_STATUS    byte = 0x93 // Device status
	TCS3430_REGISTER_CH0DATAL  byte = 0x94 // Channel 0 data, low byte
	TCS3430_REGISTER_CFG2      byte = 0x9F // Configuration register two
	TCS3430_REGISTER_CFG3      byte = 0xAB // Configuration register three
	TCS3430_REGISTER_AZ_CONFIG byte = 0xD6 // Auto zero configuration
	TCS3430_REGISTER_INTENAB   byte = 0xDD // Interrupt enables
)

// Bit positions inside the registers above
const (
	ENABLE_PON byte = 0 // Power on
	ENABLE_AEN byte = 1 // ALS enable
	ENABLE_WEN byte = 3 // Wait enable

	PERS_APERS byte = 0 // 4 bit persistence field
	CFG0_WLONG byte = 2 // 12x wait multiplier
	CFG1_AGAIN byte = 0 // 2 bit gain field
	CFG1_AMUX  byte = 3 // Route IR2 to the X channel
	CFG2_HGAIN byte = 4 // High gain, only valid with AGAIN = 64x

	CFG3_SAI            byte = 4 // Sleep after interrupt
	CFG3_INT_READ_CLEAR byte = 7 // Reading STATUS clears it

	STATUS_AINT byte = 4 // ALS interrupt
	STATUS_ASAT byte = 7 // ALS saturation

	AZ_CONFIG_NTH  byte = 0 // 7 bit auto zero interval
	AZ_CONFIG_MODE byte = 7 // Auto zero start mode

	INTENAB_AIEN  byte = 4 // ALS interrupt enable
	INTENAB_ASIEN byte = 7 // ALS saturation interrupt enable
)

// Gain is the logical ALS gain. Gain128X has no AGAIN code of its own: it is
// stored as Gain64X plus the HGAIN bit in CFG2.
type Gain byte

const (
	Gain1X   Gain = 0x00 /// 1x
	Gain4X   Gain = 0x01 /// 4x
	Gain16X  Gain = 0x02 /// 16x
	Gain64X  Gain = 0x03 /// 64x
	Gain128X Gain = 0x04 /// 64x with HGAIN set
)

// Multiplier returns the gain factor as a number.
func (g Gain) Multiplier() float64 {
	switch g {
	case Gain1X:
		return 1
	case Gain4X:
		return 4
	case Gain16X:
		return 16
	case Gain64X:
		return 64
	case Gain128X:
		return 128
	default:
		return 0
	}
}

func (g Gain) String() string {
	switch g {
	case Gain1X:
		return "1x"
	case Gain4X:
		return "4x"
	case Gain16X:
		return "16x"
	case Gain64X:
		return "64x"
	case Gain128X:
		return "128x"
	default:
		return "Unknown"
	}
}

// ParseGain maps a multiplier such as 16 or "16x" back onto a Gain.
func ParseGain(value string) (Gain, bool) {
	for _, g := range []Gain{Gain1X, Gain4X, Gain16X, Gain64X, Gain128X} {
		if value == g.String() || value+"x" == g.String() {
			return g, true
		}
	}
	return 0, false
}

// Persistence is the APERS code: how many consecutive out of range cycles
// are needed before the ALS interrupt asserts.
type Persistence byte

const (
	PersEvery Persistence = 0x00 // Every ALS cycle
	Pers1     Persistence = 0x01 // Any value outside the thresholds
	Pers2     Persistence = 0x02
	Pers3     Persistence = 0x03
	Pers5     Persistence = 0x04
	Pers10    Persistence = 0x05
	Pers15    Persistence = 0x06
	Pers20    Persistence = 0x07
	Pers25    Persistence = 0x08
	Pers30    Persistence = 0x09
	Pers35    Persistence = 0x0A
	Pers40    Persistence = 0x0B
	Pers45    Persistence = 0x0C
	Pers50    Persistence = 0x0D
	Pers55    Persistence = 0x0E
	Pers60    Persistence = 0x0F
)

// Cycles returns the number of consecutive out of range cycles the code
// stands for. PersEvery reports 0.
func (p Persistence) Cycles() int {
	switch {
	case p <= Pers3:
		return int(p)
	case p <= Pers60:
		return int(p-Pers5)*5 + 5
	default:
		return -1
	}
}

func (p Persistence) String() string {
	switch {
	case p == PersEvery:
		return "Every cycle"
	case p == Pers1:
		return "1 cycle"
	case p <= Pers60:
		return fmt.Sprintf("%d cycles", p.Cycles())
	default:
		return "Unknown"
	}
}
