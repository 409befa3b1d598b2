package audio

import "math"

const int16Max = math.MaxInt16

// QuantizeSample converts a normalized sample to int16 as round(s*32767) with
// ties going to the even neighbour, clamped to the int16 range. The product
// is taken in float32 so results match float32 reference pipelines bit for bit.
func QuantizeSample(s float32) int16 {
	scaled := s * int16Max
	r := math.RoundToEven(float64(scaled))
	switch {
	case r > math.MaxInt16:
		return math.MaxInt16
	case r < math.MinInt16:
		return math.MinInt16
	case math.IsNaN(r):
		return 0
	}
	return int16(r)
}

// Quantize converts a normalized waveform to 16-bit PCM.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = QuantizeSample(s)
	}
	return out
}

// Normalize converts PCM samples of the given bit depth to floats in [-1, 1).
func Normalize(samples []int, bitDepth int) []float32 {
	if bitDepth <= 0 {
		bitDepth = PCMBitDepth
	}
	scale := float32(int64(1) << (bitDepth - 1))
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / scale
	}
	return out
}
