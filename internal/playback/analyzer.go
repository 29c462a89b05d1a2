package playback

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// 2048-point windows give ~21 spectrum frames per second at 44.1 kHz.
	fftSize  = 2048
	numBands = 64
	// Temporal smoothing between successive frames.
	smoothingFactor = 0.5
)

// BandsFunc receives a 64-band spectrum frame, values 0-255.
type BandsFunc func(bands []uint8)

// Analyzer computes a smoothed log-spaced magnitude spectrum over the
// streamed samples. Input is the internal interleaved stereo int32
// form; channels are averaged to mono before windowing.
type Analyzer struct {
	mu sync.RWMutex

	fft          *fourier.FFT
	sampleBuffer []float64
	bufferIndex  int
	window       []float64

	bands         []float64
	smoothedBands []float64

	sampleRate int
	ready      bool
	callback   BandsFunc
}

func NewAnalyzer(sampleRate int) *Analyzer {
	window := make([]float64, fftSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}
	return &Analyzer{
		fft:           fourier.NewFFT(fftSize),
		sampleBuffer:  make([]float64, fftSize),
		window:        window,
		bands:         make([]float64, numBands),
		smoothedBands: make([]float64, numBands),
		sampleRate:    sampleRate,
	}
}

// Process folds one interleaved stereo block into the analysis window
// and emits a spectrum frame each time the window fills.
func (a *Analyzer) Process(samples []int32) {
	var frames [][]uint8

	a.mu.Lock()
	for i := 0; i+2 <= len(samples); i += 2 {
		mono := (float64(samples[i]) + float64(samples[i+1])) / 2 / 2147483648.0
		a.sampleBuffer[a.bufferIndex] = mono
		a.bufferIndex = (a.bufferIndex + 1) % fftSize
		if a.bufferIndex == 0 {
			a.computeFFT()
			a.ready = true
			if a.callback != nil {
				frames = append(frames, a.snapshotLocked())
			}
		}
	}
	callback := a.callback
	a.mu.Unlock()

	if callback != nil {
		for _, bands := range frames {
			callback(bands)
		}
	}
}

func (a *Analyzer) computeFFT() {
	windowed := make([]float64, fftSize)
	for i := 0; i < fftSize; i++ {
		idx := (a.bufferIndex + i) % fftSize
		windowed[i] = a.sampleBuffer[idx] * a.window[i]
	}
	coeffs := a.fft.Coefficients(nil, windowed)

	nyquist := fftSize / 2
	freqPerBin := float64(a.sampleRate) / float64(fftSize)

	for i := range a.bands {
		a.bands[i] = 0
	}

	minFreq := 20.0
	maxFreq := math.Min(20000.0, float64(a.sampleRate)/2)
	logMin := math.Log10(minFreq)
	logRange := math.Log10(maxFreq) - logMin

	bandCounts := make([]int, numBands)
	for bin := 1; bin < nyquist; bin++ {
		freq := float64(bin) * freqPerBin
		if freq < minFreq || freq > maxFreq {
			continue
		}
		band := int((math.Log10(freq) - logMin) / logRange * float64(numBands))
		if band >= numBands {
			band = numBands - 1
		}
		if band < 0 {
			band = 0
		}

		re := real(coeffs[bin])
		im := imag(coeffs[bin])
		magnitude := math.Sqrt(re*re + im*im)

		// Map -60..0 dB onto 0..255.
		db := 20 * math.Log10(magnitude/float64(fftSize)+1e-10)
		normalized := (db + 60) / 60 * 255
		if normalized < 0 {
			normalized = 0
		}
		if normalized > 255 {
			normalized = 255
		}
		a.bands[band] += normalized
		bandCounts[band]++
	}
	for i := range a.bands {
		if bandCounts[i] > 0 {
			a.bands[i] /= float64(bandCounts[i])
		}
	}

	// Bleed a little energy into neighbours so bands with no direct
	// bin still move.
	spread := make([]float64, numBands)
	for i := range a.bands {
		spread[i] = a.bands[i]
		if i > 0 {
			spread[i] += a.bands[i-1] * 0.3
		}
		if i < numBands-1 {
			spread[i] += a.bands[i+1] * 0.3
		}
		if spread[i] > 255 {
			spread[i] = 255
		}
	}
	for i := range a.smoothedBands {
		a.smoothedBands[i] = smoothingFactor*a.smoothedBands[i] + (1-smoothingFactor)*spread[i]
	}
}

func (a *Analyzer) snapshotLocked() []uint8 {
	out := make([]uint8, numBands)
	for i, v := range a.smoothedBands {
		switch {
		case v > 255:
			out[i] = 255
		case v < 0:
			out[i] = 0
		default:
			out[i] = uint8(v)
		}
	}
	return out
}

// Bands returns the latest smoothed spectrum.
func (a *Analyzer) Bands() []uint8 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// SetCallback registers a consumer invoked on every completed window.
func (a *Analyzer) SetCallback(cb BandsFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = cb
}

// Ready reports whether at least one full window has been analyzed.
func (a *Analyzer) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// Reset clears all accumulated state.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bufferIndex = 0
	a.ready = false
	for i := range a.sampleBuffer {
		a.sampleBuffer[i] = 0
	}
	for i := range a.bands {
		a.bands[i] = 0
	}
	for i := range a.smoothedBands {
		a.smoothedBands[i] = 0
	}
}
