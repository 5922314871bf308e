package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNarrowToWide_EmptyInput(t *testing.T) {
	c := NewCodec()
	out, err := c.DecodeNarrowToWide(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEncodeWideToNarrow_EmptyInput(t *testing.T) {
	c := NewCodec()
	out, err := c.EncodeWideToNarrow(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecodeNarrowToWide_LengthIsFourTimesInput(t *testing.T) {
	c := NewCodec()
	narrow := []byte{0xFF, 0x00, 0x7F, 0x80, 0x55}
	wide, err := c.DecodeNarrowToWide(narrow)
	require.NoError(t, err)
	assert.Len(t, wide, len(narrow)*4)
}

func TestEncodeWideToNarrow_OddLengthIsInvalidFormat(t *testing.T) {
	c := NewCodec()
	_, err := c.EncodeWideToNarrow([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}

func TestEncodeWideToNarrow_LengthIsInputOverFour(t *testing.T) {
	c := NewCodec()
	wide := make([]byte, 40) // 20 samples @16kHz
	narrow, err := c.EncodeWideToNarrow(wide)
	require.NoError(t, err)
	assert.Len(t, narrow, 10)
}

func TestCompandedSilenceByteRoundTripsNearZero(t *testing.T) {
	sample := decodeMuLawSample(CompandedSilenceByte)
	assert.InDelta(t, 0, sample, 10)
}

// TestRoundTrip_RMSErrorBound verifies invariant 1 from the distilled
// spec's testable properties: encode(decode(x)) preserves length and stays
// within a bounded RMS error, since companding is lossy by design.
func TestRoundTrip_RMSErrorBound(t *testing.T) {
	c := NewCodec()

	narrow := make([]byte, 400)
	for i := range narrow {
		narrow[i] = byte((i * 37) % 256)
	}

	wide, err := c.DecodeNarrowToWide(narrow)
	require.NoError(t, err)

	roundTripped, err := c.EncodeWideToNarrow(wide)
	require.NoError(t, err)

	require.Len(t, roundTripped, len(narrow))

	var sumSquares float64
	for i := range narrow {
		orig := decodeMuLawSample(narrow[i])
		got := decodeMuLawSample(roundTripped[i])
		diff := float64(orig) - float64(got)
		sumSquares += diff * diff
	}
	rms := math.Sqrt(sumSquares / float64(len(narrow)))

	// Companding quantization error is bounded well under full scale;
	// 2000 (~6% of int16 range) is a generous bound for lossy round-trip.
	assert.Less(t, rms, 2000.0)
}

func TestEncodeMuLaw_SaturatesNotWraps(t *testing.T) {
	positive := encodeMuLawSample(32767)
	negative := encodeMuLawSample(-32768)

	decodedPos := decodeMuLawSample(positive)
	decodedNeg := decodeMuLawSample(negative)

	assert.Greater(t, int(decodedPos), 0)
	assert.Less(t, int(decodedNeg), 0)
	assert.LessOrEqual(t, int(decodedPos), 32767)
	assert.GreaterOrEqual(t, int(decodedNeg), -32768)
}

func TestDecodeNarrowToWide_InterpolatesBetweenAdjacentSamples(t *testing.T) {
	c := NewCodec()
	// Two narrow samples decoding to a low and a high value; the second
	// 16kHz sample of the first pair should sit between them.
	narrow := []byte{0xFF, 0x00}
	wide, err := c.DecodeNarrowToWide(narrow)
	require.NoError(t, err)
	require.Len(t, wide, 8)

	s0 := int16(binary.LittleEndian.Uint16(wide[0:2]))
	s1 := int16(binary.LittleEndian.Uint16(wide[2:4]))
	s2 := int16(binary.LittleEndian.Uint16(wide[4:6]))

	lo, hi := s0, s2
	if lo > hi {
		lo, hi = hi, lo
	}
	assert.GreaterOrEqual(t, s1, lo)
	assert.LessOrEqual(t, s1, hi)
}
