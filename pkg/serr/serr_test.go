package serr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeRoundTrip(t *testing.T) {
	code := NewCode(FailSafe, ClassFatal, UnitSNMTS, 0x42)
	assert.Equal(t, FailSafe, code.Type())
	assert.Equal(t, ClassFatal, code.Class())
	assert.Equal(t, UnitSNMTS, code.Unit())
	assert.EqualValues(t, 0x42, code.Local())
	assert.True(t, code.IsFatal())
}

func TestReporterDispatchesToCallback(t *testing.T) {
	var gotInstance int
	var gotCode Code
	var gotInfo uint32

	r := NewReporter(3, func(instance int, code Code, additionalInfo uint32) {
		gotInstance = instance
		gotCode = code
		gotInfo = additionalInfo
	})

	r.Minor(UnitSSDOS, LocalCRCMismatch, 0xDEADBEEF)

	assert.Equal(t, 3, gotInstance)
	assert.Equal(t, ClassMinor, gotCode.Class())
	assert.EqualValues(t, 0xDEADBEEF, gotInfo)
	assert.EqualValues(t, 0xDEADBEEF, r.LastAdditionalInfo())
	assert.Equal(t, gotCode, r.LastCode())
	assert.EqualValues(t, 1, r.Count())
}

func TestReporterNilCallbackDoesNotPanic(t *testing.T) {
	r := NewReporter(0, nil)
	assert.NotPanics(t, func() {
		r.Fatal(UnitSPDO, LocalMapFailedRx, 0)
	})
}
