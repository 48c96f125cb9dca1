package navigation

import "time"

const (
	NumGPRM = 16
	NumSPRM = 24
)

// System register indices.
const (
	SPRMMenuLanguage    = 0
	SPRMAudioStream     = 1
	SPRMSubpicture      = 2
	SPRMAngle           = 3
	SPRMTitle           = 4
	SPRMVTSTitle        = 5
	SPRMTitlePGC        = 6
	SPRMPart            = 7
	SPRMHighlight       = 8
	SPRMNavTimer        = 9
	SPRMTimerPGC        = 10
	SPRMKaraoke         = 11
	SPRMCountry         = 12
	SPRMParentalLevel   = 13
	SPRMVideoPreference = 14
	SPRMAudioCaps       = 15
	SPRMAudioLanguage   = 16
	SPRMAudioExtension  = 17
	SPRMSubLanguage     = 18
	SPRMSubExtension    = 19
	SPRMRegion          = 20
)

// Registers is the mutable state of the navigation machine. The zero value
// is usable but does not carry player defaults; see Reset.
type Registers struct {
	GPRM [NumGPRM]uint16
	SPRM [NumSPRM]uint16

	// Counter marks GPRMs in counter mode. Tick advances those once per
	// elapsed second.
	Counter [NumGPRM]bool

	// Seed drives rnd. Two register sets with equal fields produce equal
	// random sequences.
	Seed uint32

	counterFrac [NumGPRM]time.Duration
	timerFrac   time.Duration
}

// NewRegisters returns a register set at power-on defaults.
func NewRegisters(seed uint32) *Registers {
	r := &Registers{Seed: seed}
	r.Reset()
	return r
}

// Reset applies power-on defaults. Seed is left alone.
func (r *Registers) Reset() {
	r.GPRM = [NumGPRM]uint16{}
	r.SPRM = [NumSPRM]uint16{}
	r.Counter = [NumGPRM]bool{}
	r.counterFrac = [NumGPRM]time.Duration{}
	r.timerFrac = 0

	r.SPRM[SPRMMenuLanguage] = LanguageCode("en")
	r.SPRM[SPRMAudioStream] = 15
	r.SPRM[SPRMSubpicture] = 62
	r.SPRM[SPRMAngle] = 1
	r.SPRM[SPRMTitle] = 1
	r.SPRM[SPRMVTSTitle] = 1
	r.SPRM[SPRMPart] = 1
	r.SPRM[SPRMHighlight] = 1 << 10
	r.SPRM[SPRMCountry] = LanguageCode("US")
	r.SPRM[SPRMParentalLevel] = 15
	r.SPRM[SPRMVideoPreference] = 0x100
	r.SPRM[SPRMAudioLanguage] = LanguageCode("en")
	r.SPRM[SPRMSubLanguage] = LanguageCode("en")
	r.SPRM[SPRMRegion] = 0x1
}

// SetLanguages stores the preferred menu, audio and subtitle languages as
// two-letter codes. Empty values keep the current setting.
func (r *Registers) SetLanguages(menu, audio, subtitle string) {
	if menu != "" {
		r.SPRM[SPRMMenuLanguage] = LanguageCode(menu)
	}
	if audio != "" {
		r.SPRM[SPRMAudioLanguage] = LanguageCode(audio)
	}
	if subtitle != "" {
		r.SPRM[SPRMSubLanguage] = LanguageCode(subtitle)
	}
}

// Highlighted returns the highlighted button number.
func (r *Registers) Highlighted() int { return int(r.SPRM[SPRMHighlight] >> 10) }

func (r *Registers) setGPRM(i int, v uint16) {
	r.GPRM[i] = v
	r.counterFrac[i] = 0
}

func (r *Registers) setMode(i int, counter bool) {
	r.Counter[i] = counter
	r.counterFrac[i] = 0
}

// rnd returns a value in [1, n], or 1 when n is zero.
func (r *Registers) rnd(n uint16) uint16 {
	r.Seed = r.Seed*1664525 + 1013904223
	if n == 0 {
		return 1
	}
	return uint16((r.Seed>>16)%uint32(n)) + 1
}

// Tick advances counter-mode GPRMs and the navigation timer by elapsed.
// Counters wrap at 16 bits. When the timer runs out it reports the PGC held
// in SPRM 10 as the jump target.
func (r *Registers) Tick(elapsed time.Duration) (Position, bool) {
	if elapsed <= 0 {
		return Position{}, false
	}

	for i := range r.GPRM {
		if !r.Counter[i] {
			continue
		}
		r.counterFrac[i] += elapsed
		secs := r.counterFrac[i] / time.Second
		r.counterFrac[i] -= secs * time.Second
		r.GPRM[i] += uint16(secs)
	}

	if r.SPRM[SPRMNavTimer] == 0 {
		r.timerFrac = 0
		return Position{}, false
	}

	r.timerFrac += elapsed
	secs := r.timerFrac / time.Second
	r.timerFrac -= secs * time.Second
	if int64(secs) < int64(r.SPRM[SPRMNavTimer]) {
		r.SPRM[SPRMNavTimer] -= uint16(secs)
		return Position{}, false
	}

	r.SPRM[SPRMNavTimer] = 0
	r.timerFrac = 0
	return Position{Target: TargetPGC, PGC: int(r.SPRM[SPRMTimerPGC])}, true
}

// LanguageCode packs a two-letter code into a register value.
func LanguageCode(code string) uint16 {
	if len(code) < 2 {
		return 0
	}
	return uint16(code[0])<<8 | uint16(code[1])
}

// LanguageString unpacks a register value produced by LanguageCode.
func LanguageString(v uint16) string {
	if v == 0 || v == 0xffff {
		return ""
	}
	return string([]byte{byte(v >> 8), byte(v)})
}
