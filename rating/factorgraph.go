package rating

import "math"

// variable is a node of the factor graph: its current marginal plus the
// last message received from each attached factor.
type variable struct {
	value    gaussian
	messages map[int]gaussian
}

func newVariable() *variable {
	return &variable{messages: make(map[int]gaussian)}
}

func (v *variable) set(val gaussian) float64 {
	d := v.delta(val)
	v.value = val
	return d
}

func (v *variable) delta(o gaussian) float64 {
	piDelta := math.Abs(v.value.pi - o.pi)
	if math.IsInf(piDelta, 1) {
		return 0
	}
	return math.Max(math.Abs(v.value.tau-o.tau), math.Sqrt(piDelta))
}

// updateMessage replaces factor f's message and folds it into the marginal.
func (v *variable) updateMessage(f int, msg gaussian) float64 {
	old := v.messages[f]
	v.messages[f] = msg
	return v.set(v.value.div(old).mul(msg))
}

// updateValue sets the marginal directly and back-computes f's message.
func (v *variable) updateValue(f int, val gaussian) float64 {
	old := v.messages[f]
	v.messages[f] = val.mul(old).div(v.value)
	return v.set(val)
}

// cavity is the marginal of v without factor f's contribution.
func (v *variable) cavity(f int) gaussian {
	return v.value.div(v.messages[f])
}

type priorFactor struct {
	id      int
	skill   *variable
	prior   Rating
	dynamic float64
}

func (f *priorFactor) down() float64 {
	sigma := math.Sqrt(f.prior.Sigma*f.prior.Sigma + f.dynamic*f.dynamic)
	return f.skill.updateValue(f.id, fromMuSigma(f.prior.Mu, sigma))
}

// likelihoodFactor links a skill to a noisy performance.
type likelihoodFactor struct {
	id       int
	mean     *variable
	value    *variable
	variance float64
}

func (f *likelihoodFactor) a(g gaussian) float64 {
	return 1 / (1 + f.variance*g.pi)
}

func (f *likelihoodFactor) down() float64 {
	msg := f.mean.cavity(f.id)
	a := f.a(msg)
	return f.value.updateMessage(f.id, gaussian{pi: a * msg.pi, tau: a * msg.tau})
}

func (f *likelihoodFactor) up() float64 {
	msg := f.value.cavity(f.id)
	a := f.a(msg)
	return f.mean.updateMessage(f.id, gaussian{pi: a * msg.pi, tau: a * msg.tau})
}

// sumFactor constrains sum = Σ coeffs[i]*terms[i].
type sumFactor struct {
	id     int
	sum    *variable
	terms  []*variable
	coeffs []float64
}

func (f *sumFactor) down() float64 {
	msgs := make([]gaussian, len(f.terms))
	for i, t := range f.terms {
		msgs[i] = t.messages[f.id]
	}
	return f.update(f.sum, f.terms, msgs, f.coeffs)
}

func (f *sumFactor) up(index int) float64 {
	coeff := f.coeffs[index]
	coeffs := make([]float64, len(f.coeffs))
	for x, c := range f.coeffs {
		switch {
		case coeff == 0:
			coeffs[x] = 0
		case x == index:
			coeffs[x] = 1 / coeff
		default:
			coeffs[x] = -c / coeff
		}
	}

	vals := append([]*variable(nil), f.terms...)
	vals[index] = f.sum
	msgs := make([]gaussian, len(vals))
	for i, v := range vals {
		msgs[i] = v.messages[f.id]
	}
	return f.update(f.terms[index], vals, msgs, coeffs)
}

func (f *sumFactor) update(target *variable, vals []*variable, msgs []gaussian, coeffs []float64) float64 {
	var piInv, mu float64
	for i, val := range vals {
		div := val.value.div(msgs[i])
		mu += coeffs[i] * div.mu()
		if math.IsInf(piInv, 1) {
			continue
		}
		if div.pi == 0 {
			piInv = math.Inf(1)
			continue
		}
		piInv += coeffs[i] * coeffs[i] / div.pi
	}
	pi := 1 / piInv
	return target.updateMessage(f.id, gaussian{pi: pi, tau: pi * mu})
}

// truncateFactor applies the observed outcome (win or tie) to a
// performance difference.
type truncateFactor struct {
	id     int
	diff   *variable
	v, w   func(diff, margin float64) float64
	margin float64
}

func (f *truncateFactor) up() float64 {
	div := f.diff.cavity(f.id)
	sqrtPi := math.Sqrt(div.pi)
	t, m := div.tau/sqrtPi, f.margin*sqrtPi
	v := f.v(t, m)
	w := f.w(t, m)
	denom := 1 - w
	return f.diff.updateValue(f.id, gaussian{
		pi:  div.pi / denom,
		tau: (div.tau + sqrtPi*v) / denom,
	})
}
