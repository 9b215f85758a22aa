package astimedia

import "math"

// In dB
const VolumeMin = -40.0

// Not safe for concurrent use
type VolumeControl struct {
	gain   float32
	volume float64
}

func NewVolumeControl() *VolumeControl {
	return &VolumeControl{
		gain:   1,
		volume: 1,
	}
}

// Volume ranges from 0 (silence) to 1 (0 dB) and is mapped linearly in dB down to VolumeMin
func VolumeToDB(v float64) float64 {
	return VolumeMin * (1 - clampVolume(v))
}

func DBToVolume(db float64) float64 {
	return clampVolume(1 - db/VolumeMin)
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	} else if v > 1 {
		return 1
	}
	return v
}

func (vc *VolumeControl) SetVolume(v float64) {
	vc.volume = clampVolume(v)
	if vc.volume == 0 {
		vc.gain = 0
		return
	}
	vc.gain = float32(math.Pow(10, VolumeToDB(vc.volume)/20))
}

func (vc *VolumeControl) Volume() float64 {
	return vc.volume
}

func (vc *VolumeControl) Gain() float32 {
	return vc.gain
}

func (vc *VolumeControl) Apply(fr *AudioFrame) {
	if vc.gain == 1 {
		return
	}
	for _, c := range fr.Samples {
		n := fr.ValidSamples
		if n > len(c) {
			n = len(c)
		}
		for idx := 0; idx < n; idx++ {
			c[idx] *= vc.gain
		}
	}
}
