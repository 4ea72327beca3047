package audio

import (
	"math"
	"math/cmplx"
)

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func peak(samples []float32) float64 {
	var p float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > p {
			p = a
		}
	}
	return p
}

// frameEnergies returns the sum of squares of each frame of size n taken
// every hop samples.
func frameEnergies(samples []float32, n, hop int) []float64 {
	if n <= 0 || hop <= 0 {
		return nil
	}
	var out []float64
	for i := 0; i+n <= len(samples); i += hop {
		var e float64
		for _, s := range samples[i : i+n] {
			e += float64(s) * float64(s)
		}
		out = append(out, e)
	}
	return out
}

// envelope is the RMS of consecutive non-overlapping windows.
func envelope(samples []float32, window int) []float64 {
	if window <= 0 {
		return nil
	}
	out := make([]float64, 0, len(samples)/window)
	for i := 0; i+window <= len(samples); i += window {
		out = append(out, rms(samples[i:i+window]))
	}
	return out
}

// lagCorrelation is the Pearson correlation between x[:n-lag] and x[lag:].
func lagCorrelation(x []float64, lag int) float64 {
	n := len(x) - lag
	if lag <= 0 || n < 2 {
		return 0
	}
	a, b := x[:n], x[lag:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// fft is an in-place iterative radix-2 transform. len(x) must be a power of
// two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				u := x[start+k]
				v := x[start+k+size/2] * w
				x[start+k] = u + v
				x[start+k+size/2] = u - v
				w *= step
			}
		}
	}
}

// spectralCentroid averages the magnitude-weighted mean frequency over
// Hann-windowed frames. ok is false when the chunk is silent or shorter than
// one frame.
func spectralCentroid(samples []float32, sampleRate, frameSize int) (float64, bool) {
	if frameSize <= 0 || len(samples) < frameSize || sampleRate <= 0 {
		return 0, false
	}

	window := hann(frameSize)
	buf := make([]complex128, frameSize)
	binHz := float64(sampleRate) / float64(frameSize)

	var total float64
	var frames int
	for start := 0; start+frameSize <= len(samples); start += frameSize {
		for i := 0; i < frameSize; i++ {
			buf[i] = complex(float64(samples[start+i])*window[i], 0)
		}
		fft(buf)

		var weighted, sum float64
		for k := 0; k <= frameSize/2; k++ {
			mag := cmplx.Abs(buf[k])
			weighted += float64(k) * binHz * mag
			sum += mag
		}
		if sum > 1e-9 {
			total += weighted / sum
			frames++
		}
	}
	if frames == 0 {
		return 0, false
	}
	return total / float64(frames), true
}
