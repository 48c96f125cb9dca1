package navigation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResetDefaults(t *testing.T) {
	r := NewRegisters(7)
	r.GPRM[3] = 12
	r.Counter[3] = true
	r.Reset()

	assert.Equal(t, uint16(0), r.GPRM[3])
	assert.False(t, r.Counter[3])
	assert.Equal(t, uint32(7), r.Seed)
	assert.Equal(t, "en", LanguageString(r.SPRM[SPRMMenuLanguage]))
	assert.Equal(t, "US", LanguageString(r.SPRM[SPRMCountry]))
	assert.Equal(t, uint16(15), r.SPRM[SPRMAudioStream])
	assert.Equal(t, uint16(62), r.SPRM[SPRMSubpicture])
	assert.Equal(t, uint16(1), r.SPRM[SPRMAngle])
	assert.Equal(t, uint16(15), r.SPRM[SPRMParentalLevel])
	assert.Equal(t, 1, r.Highlighted())
}

func TestSetLanguages(t *testing.T) {
	r := NewRegisters(1)
	r.SetLanguages("", "de", "fr")
	assert.Equal(t, "en", LanguageString(r.SPRM[SPRMMenuLanguage]))
	assert.Equal(t, "de", LanguageString(r.SPRM[SPRMAudioLanguage]))
	assert.Equal(t, "fr", LanguageString(r.SPRM[SPRMSubLanguage]))
}

func TestTickCounters(t *testing.T) {
	r := NewRegisters(1)
	r.Counter[2] = true
	r.GPRM[2] = 0xfffe
	r.GPRM[3] = 5

	r.Tick(1500 * time.Millisecond)
	assert.Equal(t, uint16(0xffff), r.GPRM[2])
	r.Tick(600 * time.Millisecond)
	assert.Equal(t, uint16(0), r.GPRM[2], "counters wrap")
	assert.Equal(t, uint16(5), r.GPRM[3], "register mode values do not move")
}

func TestTickTimer(t *testing.T) {
	r := NewRegisters(1)
	r.SPRM[SPRMNavTimer] = 3
	r.SPRM[SPRMTimerPGC] = 9

	_, fired := r.Tick(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, uint16(1), r.SPRM[SPRMNavTimer])

	pos, fired := r.Tick(time.Second)
	assert.True(t, fired)
	assert.Equal(t, Position{Target: TargetPGC, PGC: 9}, pos)
	assert.Equal(t, uint16(0), r.SPRM[SPRMNavTimer])

	_, fired = r.Tick(time.Hour)
	assert.False(t, fired)
}
