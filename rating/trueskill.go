// Package rating implements the TrueSkill factor-graph update used to rate
// free-for-all bot matches: one player per team, ordered by finishing rank.
//
// The ladder runs with tau = 0 (skill does not drift between matches) and
// draw probability = 0 (exact ties are not a modelled outcome). Equal ranks
// are still accepted and rated as a tie in the zero-margin limit.
package rating

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrTooFewRatings = errors.New("at least two ratings are required")
	ErrRankMismatch  = errors.New("ranks and ratings differ in length")
	ErrInvalidRating = errors.New("invalid rating")
)

// Rating is a Gaussian belief about a competitor's skill.
type Rating struct {
	Mu    float64
	Sigma float64
}

// Engine holds the model parameters. Use New for the ladder's policy.
type Engine struct {
	mu              float64
	sigma           float64
	beta            float64
	tau             float64
	drawProbability float64
	minDelta        float64
	maxIterations   int
}

// New returns the ladder's engine: mu 25, sigma 25/3, beta sigma/2,
// tau 0, draw probability 0.
func New() *Engine {
	const mu = 25.0
	const sigma = mu / 3
	return &Engine{
		mu:              mu,
		sigma:           sigma,
		beta:            sigma / 2,
		tau:             0,
		drawProbability: 0,
		minDelta:        0.0001,
		maxIterations:   10,
	}
}

// Default is the rating a new competitor starts with.
func (e *Engine) Default() Rating {
	return Rating{Mu: e.mu, Sigma: e.sigma}
}

func (e *Engine) drawMargin(players int) float64 {
	return ppf((e.drawProbability+1)/2) * math.Sqrt(float64(players)) * e.beta
}

// Rate returns updated ratings, in input order, for a match where ratings[i]
// finished at ranks[i] (lower is better, equal ranks tie). Same inputs
// always produce the same outputs.
func (e *Engine) Rate(ratings []Rating, ranks []int) ([]Rating, error) {
	n := len(ratings)
	if n < 2 {
		return nil, ErrTooFewRatings
	}
	if len(ranks) != n {
		return nil, fmt.Errorf("%w: %d ratings, %d ranks", ErrRankMismatch, n, len(ranks))
	}
	for i, r := range ratings {
		if !(r.Sigma > 0) || math.IsInf(r.Sigma, 0) || math.IsNaN(r.Mu) || math.IsInf(r.Mu, 0) {
			return nil, fmt.Errorf("%w: entry %d has mu=%v sigma=%v", ErrInvalidRating, i, r.Mu, r.Sigma)
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return ranks[order[a]] < ranks[order[b]] })

	sorted := make([]Rating, n)
	sortedRanks := make([]int, n)
	for i, idx := range order {
		sorted[i] = ratings[idx]
		sortedRanks[i] = ranks[idx]
	}

	skills := e.runSchedule(sorted, sortedRanks)

	out := make([]Rating, n)
	for i, idx := range order {
		out[idx] = Rating{Mu: skills[i].value.mu(), Sigma: skills[i].value.sigma()}
	}
	return out, nil
}

func (e *Engine) runSchedule(ratings []Rating, ranks []int) []*variable {
	n := len(ratings)
	nextID := 0
	id := func() int {
		nextID++
		return nextID
	}

	skills := make([]*variable, n)
	perfs := make([]*variable, n)
	priors := make([]*priorFactor, n)
	likelihoods := make([]*likelihoodFactor, n)
	for i := range ratings {
		skills[i] = newVariable()
		perfs[i] = newVariable()
		priors[i] = &priorFactor{id: id(), skill: skills[i], prior: ratings[i], dynamic: e.tau}
		likelihoods[i] = &likelihoodFactor{id: id(), mean: skills[i], value: perfs[i], variance: e.beta * e.beta}
	}

	diffs := make([]*sumFactor, n-1)
	truncs := make([]*truncateFactor, n-1)
	margin := e.drawMargin(2)
	for i := 0; i < n-1; i++ {
		diff := newVariable()
		diffs[i] = &sumFactor{
			id:     id(),
			sum:    diff,
			terms:  []*variable{perfs[i], perfs[i+1]},
			coeffs: []float64{1, -1},
		}
		t := &truncateFactor{id: id(), diff: diff, v: vWin, w: wWin, margin: margin}
		if ranks[i] == ranks[i+1] {
			t.v, t.w = vDraw, wDraw
		}
		truncs[i] = t
	}

	for _, f := range priors {
		f.down()
	}
	for _, f := range likelihoods {
		f.down()
	}

	last := len(diffs) - 1
	for iter := 0; iter < e.maxIterations; iter++ {
		var delta float64
		if last == 0 {
			diffs[0].down()
			delta = truncs[0].up()
		} else {
			for x := 0; x < last; x++ {
				diffs[x].down()
				delta = math.Max(delta, truncs[x].up())
				diffs[x].up(1)
			}
			for x := last; x > 0; x-- {
				diffs[x].down()
				delta = math.Max(delta, truncs[x].up())
				diffs[x].up(0)
			}
		}
		if delta <= e.minDelta {
			break
		}
	}

	diffs[0].up(0)
	diffs[last].up(1)
	for _, f := range likelihoods {
		f.up()
	}
	return skills
}
