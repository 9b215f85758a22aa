package astimedia

import (
	"encoding/binary"
	"fmt"
	"math"
)

const pcmSampleSize = 4

// Interleaved float32 little endian
func EncodePCM(fr *AudioFrame) []byte {
	b := make([]byte, fr.ValidSamples*len(fr.Samples)*pcmSampleSize)
	var o int
	for s := 0; s < fr.ValidSamples; s++ {
		for c := range fr.Samples {
			binary.LittleEndian.PutUint32(b[o:], math.Float32bits(fr.Samples[c][s]))
			o += pcmSampleSize
		}
	}
	return b
}

// dst must have been created with the same number of channels and enough room
func DecodePCM(b []byte, dst *AudioFrame) error {
	// Check size
	nc := len(dst.Samples)
	if nc == 0 {
		return fmt.Errorf("astimedia: frame has no channels")
	} else if len(b)%(nc*pcmSampleSize) != 0 {
		return fmt.Errorf("astimedia: pcm size %d is not a multiple of %d", len(b), nc*pcmSampleSize)
	}
	n := len(b) / (nc * pcmSampleSize)
	if n > len(dst.Samples[0]) {
		return fmt.Errorf("astimedia: pcm has %d samples, frame can hold %d", n, len(dst.Samples[0]))
	}

	// Decode
	var o int
	for s := 0; s < n; s++ {
		for c := 0; c < nc; c++ {
			dst.Samples[c][s] = math.Float32frombits(binary.LittleEndian.Uint32(b[o:]))
			o += pcmSampleSize
		}
	}
	dst.ValidSamples = n
	return nil
}
