package codec

// Resampler converts mono PCM between sample rates by linear interpolation.
// It keeps the last input sample and the fractional read position between
// calls, so consecutive packets join without a discontinuity.
type Resampler struct {
	inRate  int
	outRate int
	step    float64
	pos     float64
	last    int16
	primed  bool
}

func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		step:    float64(inRate) / float64(outRate),
		pos:     1,
	}
}

func (r *Resampler) InputRate() int  { return r.inRate }
func (r *Resampler) OutputRate() int { return r.outRate }

// Resample returns the input converted to the output rate. The result is a
// new slice.
func (r *Resampler) Resample(pcm []int16) []int16 {
	if len(pcm) == 0 {
		return nil
	}
	if r.inRate == r.outRate {
		return append([]int16(nil), pcm...)
	}
	if !r.primed {
		r.last = pcm[0]
		r.primed = true
	}
	// index 0 is the last sample of the previous call, 1..n the new input
	at := func(i int) int16 {
		if i == 0 {
			return r.last
		}
		if i > len(pcm) {
			return pcm[len(pcm)-1]
		}
		return pcm[i-1]
	}
	out := make([]int16, 0, int(float64(len(pcm))/r.step)+1)
	for r.pos <= float64(len(pcm)) {
		i := int(r.pos)
		frac := r.pos - float64(i)
		s0 := float64(at(i))
		s1 := float64(at(i + 1))
		out = append(out, int16(s0+(s1-s0)*frac))
		r.pos += r.step
	}
	r.pos -= float64(len(pcm))
	r.last = pcm[len(pcm)-1]
	return out
}
