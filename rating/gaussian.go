package rating

import "math"

// gaussian is a normal distribution in natural parameters: precision (pi)
// and precision-adjusted mean (tau). Multiplication and division of
// densities become addition and subtraction.
type gaussian struct {
	pi  float64
	tau float64
}

func fromMuSigma(mu, sigma float64) gaussian {
	pi := 1 / (sigma * sigma)
	return gaussian{pi: pi, tau: pi * mu}
}

func (g gaussian) mu() float64 {
	if g.pi == 0 {
		return 0
	}
	return g.tau / g.pi
}

func (g gaussian) sigma() float64 {
	if g.pi == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(1 / g.pi)
}

func (g gaussian) mul(o gaussian) gaussian {
	return gaussian{pi: g.pi + o.pi, tau: g.tau + o.tau}
}

func (g gaussian) div(o gaussian) gaussian {
	return gaussian{pi: g.pi - o.pi, tau: g.tau - o.tau}
}

// Standard normal helpers. cdf goes through Erfc so the lower tail keeps
// its relative precision instead of collapsing to 1-1.
func pdf(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func cdf(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func ppf(p float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

const (
	// Below this the win functions switch from pdf/cdf to a continued
	// fraction for the inverse Mills ratio.
	tailThreshold = -5.0
	tailTerms     = 64

	// The truncation factor divides by 1-w. A zero-margin tie pins the
	// difference at exactly zero (w -> 1); keep the message finite.
	maxW = 1 - 1e-9
)

func clampW(w float64) float64 {
	if w < 0 || math.IsNaN(w) {
		return 0
	}
	if w > maxW {
		return maxW
	}
	return w
}

// millsTail returns v = pdf(x)/cdf(x) and v+x for x well inside the lower
// tail, where both pdf and cdf underflow long before their ratio does.
func millsTail(x float64) (v, vPlusX float64) {
	t := -x
	g := t
	for k := tailTerms; k >= 2; k-- {
		g = t + float64(k)/g
	}
	// v = t + 1/g, so v + x = 1/g without cancellation.
	return t + 1/g, 1 / g
}

// vWin is the mean shift of a win/loss truncation.
func vWin(diff, margin float64) float64 {
	x := diff - margin
	if x < tailThreshold {
		v, _ := millsTail(x)
		return v
	}
	return pdf(x) / cdf(x)
}

// wWin is the variance factor of a win/loss truncation.
func wWin(diff, margin float64) float64 {
	x := diff - margin
	if x < tailThreshold {
		v, vx := millsTail(x)
		return clampW(v * vx)
	}
	v := pdf(x) / cdf(x)
	return clampW(v * (v + x))
}

// vDraw is the mean shift of a draw truncation. With a zero margin the
// interval collapses and the limit is simply -diff.
func vDraw(diff, margin float64) float64 {
	abs := math.Abs(diff)
	a, b := margin-abs, -margin-abs
	denom := cdf(a) - cdf(b)

	v := a
	if denom > 0 {
		v = (pdf(b) - pdf(a)) / denom
	}
	if diff < 0 {
		return -v
	}
	return v
}

// wDraw is the variance factor of a draw truncation.
func wDraw(diff, margin float64) float64 {
	abs := math.Abs(diff)
	a, b := margin-abs, -margin-abs
	denom := cdf(a) - cdf(b)
	if denom <= 0 {
		return maxW
	}
	v := vDraw(abs, margin)
	return clampW(v*v + (a*pdf(a)-b*pdf(b))/denom)
}
