package sweep

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// round2 rounds to two decimals, the precision values are entered with
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Linear returns n values evenly spaced from start to end inclusive
func Linear(start, end float64, n int) ([]float64, error) {
	out, err := linear(start, end, n)
	if err != nil {
		return nil, err
	}
	for i, v := range out {
		out[i] = round2(v)
	}
	return out, nil
}

// Log returns n values evenly spaced in log10 from start to end inclusive.
// Both ends must be positive.
func Log(start, end float64, n int) ([]float64, error) {
	if start <= 0 || end <= 0 {
		return nil, errors.New("log spaced values must be positive")
	}
	exps, err := linear(math.Log10(start), math.Log10(end), n)
	if err != nil {
		return nil, err
	}
	for i, e := range exps {
		exps[i] = round2(math.Pow(10, e))
	}
	return exps, nil
}

// linear is Linear without rounding
func linear(start, end float64, n int) ([]float64, error) {
	if n < 1 {
		return nil, errors.New("number of points must be at least 1")
	}
	if n == 1 {
		return []float64{start}, nil
	}
	out := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = end
	return out, nil
}

// Step returns values from start toward end in increments of step.  The
// direction is taken from start and end, the sign of step is ignored.  end
// is included when it lies within half a step of the last increment.
func Step(start, end, step float64) ([]float64, error) {
	step = math.Abs(step)
	if step == 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, errors.New("step must be finite and nonzero")
	}
	span := math.Abs(end - start)
	k := int(math.Floor(span/step + 0.5 - 1e-9))
	if end < start {
		step = -step
	}
	out := make([]float64, k+1)
	for i := range out {
		out[i] = round2(start + float64(i)*step)
	}
	return out, nil
}

// ParseList reads a value list as written on the command line or in a
// config file.  It is either comma separated values, "25,30,40", or a
// generator:
//
//	lin:start:end:n      n values, linearly spaced
//	log:start:end:n      n values, spaced in log10
//	step:start:end:step  increments of step
func ParseList(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	kind, args, gen := strings.Cut(s, ":")
	if !gen {
		return parseFloats(strings.Split(s, ","))
	}
	parts := strings.Split(args, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%q: want %s:start:end:n", s, kind)
	}
	nums, err := parseFloats(parts)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(kind) {
	case "lin":
		return Linear(nums[0], nums[1], int(nums[2]))
	case "log":
		return Log(nums[0], nums[1], int(nums[2]))
	case "step":
		return Step(nums[0], nums[1], nums[2])
	}
	return nil, fmt.Errorf("%q: unknown generator %q, want lin, log, or step", s, kind)
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
