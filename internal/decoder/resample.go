package decoder

// Resample converts mono samples from one rate to another. Downsampling
// averages the source samples covering each output sample so content above
// the new Nyquist frequency is attenuated; upsampling uses cubic
// interpolation.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}
	if toRate < fromRate {
		return decimate(samples, fromRate, toRate)
	}
	return interpolate(samples, fromRate, toRate)
}

func decimate(samples []float32, fromRate, toRate int) []float32 {
	step := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / step)
	out := make([]float32, n)
	for i := range out {
		start := int(float64(i) * step)
		end := min(int(float64(i+1)*step), len(samples))
		if end <= start {
			end = start + 1
		}
		var sum float32
		for _, v := range samples[start:end] {
			sum += v
		}
		out[i] = sum / float32(end-start)
	}
	return out
}

func interpolate(samples []float32, fromRate, toRate int) []float32 {
	if len(samples) < 4 {
		return samples
	}
	ratio := float64(toRate) / float64(fromRate)
	n := int(float64(len(samples)) * ratio)
	out := make([]float32, n)
	lastIndex := len(samples) - 3

	for i := range out {
		pos := float64(i) / ratio
		index := min(max(int(pos), 1), lastIndex)
		frac := float32(pos) - float32(index)

		y0, y1, y2, y3 := samples[index-1], samples[index], samples[index+1], samples[index+2]
		mu2 := frac * frac
		a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
		a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
		a2 := -0.5*y0 + 0.5*y2
		out[i] = a0*frac*mu2 + a1*mu2 + a2*frac + y1
	}
	return out
}
