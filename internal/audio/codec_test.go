package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulawRoundTrip(t *testing.T) {
	// G.711 is lossy; round-tripping should stay within the quantization
	// error for the sample's magnitude range.
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}
	for _, s := range samples {
		decoded := mulawToLinear(linearToMulaw(s))
		diff := math.Abs(float64(decoded) - float64(s))
		limit := math.Max(64, math.Abs(float64(s))*0.07)
		assert.LessOrEqual(t, diff, limit, "sample %d decoded to %d", s, decoded)
	}
}

func TestAlawRoundTrip(t *testing.T) {
	samples := []int16{0, 8, -8, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	for _, s := range samples {
		decoded := alawToLinear(linearToAlaw(s))
		diff := math.Abs(float64(decoded) - float64(s))
		limit := math.Max(64, math.Abs(float64(s))*0.08)
		assert.LessOrEqual(t, diff, limit, "sample %d decoded to %d", s, decoded)
	}
}

func TestCompandingPreservesSign(t *testing.T) {
	// A companded round-trip must never flip polarity
	for _, s := range []int16{100, 1000, 8000, -100, -1000, -8000} {
		fromAlaw := alawToLinear(linearToAlaw(s))
		fromMulaw := mulawToLinear(linearToMulaw(s))
		if s > 0 {
			assert.Positive(t, fromAlaw, "alaw sample %d decoded to %d", s, fromAlaw)
			assert.Positive(t, fromMulaw, "mulaw sample %d decoded to %d", s, fromMulaw)
		} else {
			assert.Negative(t, fromAlaw, "alaw sample %d decoded to %d", s, fromAlaw)
			assert.Negative(t, fromMulaw, "mulaw sample %d decoded to %d", s, fromMulaw)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	// Mu-law encodes silence as 0xFF
	assert.Equal(t, byte(0xFF), linearToMulaw(0))
}

func TestResampleLengths(t *testing.T) {
	in := make([]int16, 160) // 20ms at 8kHz
	up := Upsample2x(in)
	assert.Len(t, up, 320)

	down := Downsample2x(up)
	assert.Len(t, down, 160)

	assert.Nil(t, Upsample2x(nil))
	assert.Nil(t, Downsample2x(nil))
}

func TestUpsampleInterpolates(t *testing.T) {
	up := Upsample2x([]int16{0, 100})
	assert.Equal(t, []int16{0, 50, 100, 100}, up)
}

func TestDownsampleAverages(t *testing.T) {
	down := Downsample2x([]int16{0, 100, 200, 300})
	assert.Equal(t, []int16{50, 250}, down)
}

func TestPCM16Bytes(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	assert.Equal(t, samples, BytesToPCM16(PCM16ToBytes(samples)))
}

func TestCodecToInference(t *testing.T) {
	codec, err := NewCodec(EncodingMulaw)
	require.NoError(t, err)

	frame := make([]byte, 160) // 20ms mulaw at 8kHz
	out := codec.ToInference(frame)
	// 160 samples upsampled to 320, two bytes each
	assert.Len(t, out, 640)
}

func TestCodecToCarrier(t *testing.T) {
	codec, err := NewCodec(EncodingMulaw)
	require.NoError(t, err)

	chunk := make([]byte, 640) // 320 16kHz samples
	out := codec.ToCarrier(chunk)
	assert.Len(t, out, 160)
}

func TestCodecPCMCarrier(t *testing.T) {
	codec, err := NewCodec(EncodingPCM16)
	require.NoError(t, err)

	chunk := make([]byte, 640)
	assert.Len(t, codec.ToCarrier(chunk), 320)
}

func TestCodecRejectsUnknownEncoding(t *testing.T) {
	_, err := NewCodec(Encoding("opus"))
	assert.Error(t, err)
}
