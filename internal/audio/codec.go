// Package audio transcodes between carrier wire audio and the linear PCM
// the inference services consume. All transforms are stateless and operate
// one frame at a time so nothing in the media path buffers unboundedly.
package audio

import "fmt"

// Encoding identifies an audio wire format.
type Encoding string

const (
	EncodingMulaw Encoding = "mulaw" // G.711 mu-law, 8-bit companded
	EncodingAlaw  Encoding = "alaw"  // G.711 A-law, 8-bit companded
	EncodingPCM16 Encoding = "pcm16" // 16-bit little-endian linear PCM
)

// Telephony carriers deliver 8kHz; STT services want 16kHz linear.
const (
	CarrierSampleRate   = 8000
	InferenceSampleRate = 16000
)

const mulawBias = 0x84

// DecodeMulaw expands G.711 mu-law bytes to 16-bit linear samples.
func DecodeMulaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = mulawToLinear(b)
	}
	return out
}

// EncodeMulaw compresses 16-bit linear samples to G.711 mu-law bytes.
func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out
}

// DecodeAlaw expands G.711 A-law bytes to 16-bit linear samples.
func DecodeAlaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = alawToLinear(b)
	}
	return out
}

// EncodeAlaw compresses 16-bit linear samples to G.711 A-law bytes.
func EncodeAlaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToAlaw(s)
	}
	return out
}

func mulawToLinear(b byte) int16 {
	b = ^b
	sign := int16(b & 0x80)
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int16(mantissa)<<3 + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return -sample
	}
	return sample
}

func linearToMulaw(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		if sample == -32768 {
			sample = -32767
		}
		sample = -sample
	}
	value := int32(sample) + mulawBias
	if value > 0x7FFF {
		value = 0x7FFF
	}

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && value&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((value >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func alawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int16(b & 0x0F)

	var sample int16
	if exponent == 0 {
		sample = mantissa<<4 + 8
	} else {
		sample = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	// A-law transmits sign bit 1 for positive samples
	if sign == 0 {
		return -sample
	}
	return sample
}

func linearToAlaw(sample int16) byte {
	sign := byte(0x80)
	if sample < 0 {
		sign = 0
		if sample == -32768 {
			sample = -32767
		}
		sample = -sample
	}

	var compressed byte
	if sample < 256 {
		compressed = byte(sample >> 4)
	} else {
		exponent := byte(1)
		for threshold := int16(512); exponent < 7 && sample >= threshold; threshold <<= 1 {
			exponent++
		}
		mantissa := byte((sample >> (exponent + 3)) & 0x0F)
		compressed = exponent<<4 | mantissa
	}
	return (sign | compressed) ^ 0x55
}

// Upsample2x doubles the sample rate by linear interpolation between
// neighbouring samples. Good enough for speech headed to an STT model.
func Upsample2x(samples []int16) []int16 {
	if len(samples) == 0 {
		return nil
	}
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		if i+1 < len(samples) {
			out[i*2+1] = int16((int32(s) + int32(samples[i+1])) / 2)
		} else {
			out[i*2+1] = s
		}
	}
	return out
}

// Downsample2x halves the sample rate by averaging adjacent sample pairs,
// which doubles as a crude anti-aliasing filter.
func Downsample2x(samples []int16) []int16 {
	if len(samples) == 0 {
		return nil
	}
	out := make([]int16, (len(samples)+1)/2)
	for i := range out {
		a := int32(samples[i*2])
		if i*2+1 < len(samples) {
			out[i] = int16((a + int32(samples[i*2+1])) / 2)
		} else {
			out[i] = int16(a)
		}
	}
	return out
}

// PCM16ToBytes serializes samples as 16-bit little-endian.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// BytesToPCM16 parses 16-bit little-endian bytes. A trailing odd byte is dropped.
func BytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out
}

// Codec transcodes between one carrier's wire encoding and the linear PCM
// used by the inference services.
type Codec struct {
	carrierEncoding Encoding
}

// NewCodec returns a codec for the given carrier encoding.
func NewCodec(carrierEncoding Encoding) (*Codec, error) {
	switch carrierEncoding {
	case EncodingMulaw, EncodingAlaw, EncodingPCM16:
		return &Codec{carrierEncoding: carrierEncoding}, nil
	default:
		return nil, fmt.Errorf("unsupported carrier encoding %q", carrierEncoding)
	}
}

// CarrierEncoding returns the wire encoding this codec was built for.
func (c *Codec) CarrierEncoding() Encoding {
	return c.carrierEncoding
}

// ToInference converts one carrier frame (8kHz wire encoding) into 16kHz
// linear PCM bytes for the transcription service.
func (c *Codec) ToInference(frame []byte) []byte {
	var samples []int16
	switch c.carrierEncoding {
	case EncodingMulaw:
		samples = DecodeMulaw(frame)
	case EncodingAlaw:
		samples = DecodeAlaw(frame)
	default:
		samples = BytesToPCM16(frame)
	}
	return PCM16ToBytes(Upsample2x(samples))
}

// ToCarrier converts one synthesized chunk (16kHz linear PCM bytes) into
// the carrier's 8kHz wire encoding.
func (c *Codec) ToCarrier(chunk []byte) []byte {
	samples := Downsample2x(BytesToPCM16(chunk))
	switch c.carrierEncoding {
	case EncodingMulaw:
		return EncodeMulaw(samples)
	case EncodingAlaw:
		return EncodeAlaw(samples)
	default:
		return PCM16ToBytes(samples)
	}
}
