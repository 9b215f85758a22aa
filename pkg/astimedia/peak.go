package astimedia

import "math"

type PeakCallback func(samples int, min, max, peak []float64)

// Tracks per channel min, max and absolute peak values. The callback is executed after each update and
// usually resets the detector.
type PeakDetector struct {
	cb      PeakCallback
	f       AudioFormat
	max     []float64
	min     []float64
	samples int
}

func NewPeakDetector(cb PeakCallback) *PeakDetector {
	return &PeakDetector{cb: cb}
}

func (d *PeakDetector) SetFormat(f AudioFormat) {
	d.f = f
	d.min = make([]float64, len(f.Channels))
	d.max = make([]float64, len(f.Channels))
	d.Reset()
}

func (d *PeakDetector) Format() AudioFormat {
	return d.f
}

func (d *PeakDetector) Reset() {
	for idx := range d.min {
		d.min[idx] = 0
		d.max[idx] = 0
	}
	d.samples = 0
}

func (d *PeakDetector) Peaks() (min, max, peak []float64) {
	min = make([]float64, len(d.min))
	max = make([]float64, len(d.max))
	peak = make([]float64, len(d.max))
	copy(min, d.min)
	copy(max, d.max)
	for idx := range peak {
		peak[idx] = math.Max(-d.min[idx], d.max[idx])
	}
	return
}

func (d *PeakDetector) Update(fr *AudioFrame) {
	// Loop through channels
	for c := range d.min {
		if c >= len(fr.Samples) {
			break
		}
		n := fr.ValidSamples
		if n > len(fr.Samples[c]) {
			n = len(fr.Samples[c])
		}
		for _, s := range fr.Samples[c][:n] {
			if v := float64(s); v < d.min[c] {
				d.min[c] = v
			} else if v > d.max[c] {
				d.max[c] = v
			}
		}
	}
	d.samples += fr.ValidSamples

	// Callback
	if d.cb != nil {
		min, max, peak := d.Peaks()
		d.cb(d.samples, min, max, peak)
	}
}

var (
	peakLeft  = []ChannelID{ChannelFrontLeft, ChannelRearLeft, ChannelSideLeft, ChannelFrontCenterLeft}
	peakRight = []ChannelID{ChannelFrontRight, ChannelRearRight, ChannelSideRight, ChannelFrontCenterRight}
	peakBoth  = []ChannelID{ChannelFrontCenter, ChannelLFE}
)

// Folds per channel peaks into left and right
func StereoPeaks(f AudioFormat, peak []float64) (out [2]float64) {
	check := func(id ChannelID, positions ...int) {
		idx := f.ChannelIndex(id)
		if idx < 0 || idx >= len(peak) {
			return
		}
		for _, pos := range positions {
			if out[pos] < peak[idx] {
				out[pos] = peak[idx]
			}
		}
	}
	for _, id := range peakLeft {
		check(id, 0)
	}
	for _, id := range peakRight {
		check(id, 1)
	}
	for _, id := range peakBoth {
		check(id, 0, 1)
	}
	return
}
