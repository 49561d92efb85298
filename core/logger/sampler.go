package logger

import (
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// ratioSampler passes num out of every den events. A zero ratio passes
// everything. The ratio is packed as num<<32|den so Allow stays lock free.
type ratioSampler struct {
	ratio atomic.Uint64
	seen  atomic.Uint64
}

func newRatioSampler(num, den int) *ratioSampler {
	s := &ratioSampler{}
	s.Set(num, den)
	return s
}

// Set replaces the ratio and restarts the cycle.
func (s *ratioSampler) Set(num, den int) {
	if num <= 0 || den <= 0 || int64(den) > math.MaxUint32 {
		s.ratio.Store(0)
	} else {
		num = min(num, den)
		s.ratio.Store(uint64(num)<<32 | uint64(den))
	}
	s.seen.Store(0)
}

// Allow reports whether the current event should pass sampling.
func (s *ratioSampler) Allow() bool {
	r := s.ratio.Load()
	if r == 0 {
		return true
	}
	num, den := r>>32, r&math.MaxUint32
	return (s.seen.Add(1)-1)%den < num
}

// parseRatioSpec accepts "N/M", a bare "M" meaning 1/M, or a fraction such
// as "0.25". "all" and anything unparsable yield 0/0, which passes every event.
func parseRatioSpec(spec string) (int, int) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	if spec == "" || spec == "all" {
		return 0, 0
	}
	if n, d, ok := strings.Cut(spec, "/"); ok {
		num, err1 := strconv.Atoi(strings.TrimSpace(n))
		den, err2 := strconv.Atoi(strings.TrimSpace(d))
		if err1 == nil && err2 == nil {
			return num, den
		}
		return 0, 0
	}
	if v, err := strconv.Atoi(spec); err == nil {
		if v <= 0 {
			return 0, 0
		}
		return 1, v
	}
	if f, err := strconv.ParseFloat(spec, 64); err == nil && f > 0 && f < 1 {
		return int(math.Round(f * 1000)), 1000
	}
	return 0, 0
}
