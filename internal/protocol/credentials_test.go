package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestObfuscateIsFixedWidth(t *testing.T) {
	out := obfuscate("short")
	assert.Len(t, out, credentialFieldLen)
}

func TestObfuscateTruncatesLongInput(t *testing.T) {
	out := obfuscate("this string is definitely longer than sixteen bytes")
	assert.Len(t, out, credentialFieldLen)
}

func TestObfuscateIsDeterministic(t *testing.T) {
	a := obfuscate("operator1")
	b := obfuscate("operator1")
	assert.Equal(t, a, b)
}

func TestObfuscateDiffersForDifferentInputs(t *testing.T) {
	a := obfuscate("alice")
	b := obfuscate("bob")
	assert.NotEqual(t, a, b)
}

// Property: for any byte string of up to 40 bytes, obfuscate returns
// exactly credentialFieldLen bytes without panicking, i.e. every wrapped
// index stays inside the substitution table.
func TestObfuscateStructuralProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(rt, "n")
		raw := rapid.SliceOfN(rapid.Byte(), n, n).Draw(rt, "raw")
		out := obfuscate(string(raw))
		assert.Len(rt, out, credentialFieldLen)
	})
}

func TestObfuscationTableZeroOutsidePrintableRange(t *testing.T) {
	for i := 0; i < 0x20; i++ {
		assert.Zero(t, obfuscationTable[i], "index 0x%02x should be zero", i)
	}
	for i := 0x7F; i < len(obfuscationTable); i++ {
		assert.Zero(t, obfuscationTable[i], "index 0x%02x should be zero", i)
	}
}
