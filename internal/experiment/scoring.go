package experiment

import "sort"

// ScoreWeights are the per-rate coefficients of the composite engagement
// score. The defaults are heuristic, carried from operating experience
// rather than derived statistically; keep them configurable.
type ScoreWeights struct {
	Open        float64 `yaml:"open"`
	Click       float64 `yaml:"click"`
	Reply       float64 `yaml:"reply"`
	Unsubscribe float64 `yaml:"unsubscribe"` // penalty, applied negatively
	Bounce      float64 `yaml:"bounce"`      // penalty, applied negatively
}

// DefaultScoreWeights returns the stock coefficients for a criterion
func DefaultScoreWeights(c Criterion) ScoreWeights {
	switch c {
	case CriterionClickRate:
		return ScoreWeights{Open: 0.3, Click: 0.5, Reply: 0.2, Unsubscribe: 0.5, Bounce: 0.3}
	case CriterionReplyRate:
		return ScoreWeights{Open: 0.1, Click: 0.3, Reply: 0.6, Unsubscribe: 0.5, Bounce: 0.3}
	case CriterionConversion:
		return ScoreWeights{Open: 0.2, Click: 0.3, Reply: 0.5, Unsubscribe: 0.5, Bounce: 0.3}
	default: // open_rate
		return ScoreWeights{Open: 0.4, Click: 0.3, Reply: 0.3, Unsubscribe: 0.5, Bounce: 0.3}
	}
}

// Score computes the weighted composite engagement score of a variant.
// Rates enter as percentages; penalties subtract and the result floors
// at zero.
func (v *Variant) Score(w ScoreWeights) float64 {
	r := v.Perf.Rates()
	score := w.Open*r.Open + w.Click*r.Click + w.Reply*r.Reply -
		w.Unsubscribe*r.Unsubscribe - w.Bounce*r.Bounce
	if score < 0 {
		return 0
	}
	return score
}

// Confidence maps a sample size to a coarse confidence level in [0,1].
// This is a heuristic lookup standing in for a proper significance test,
// not a p-value; treat it as a rough quality signal only.
func Confidence(sampleSize int) float64 {
	switch {
	case sampleSize < 10:
		return 0.3
	case sampleSize < 50:
		return 0.6
	case sampleSize < 100:
		return 0.8
	case sampleSize < 500:
		return 0.9
	default:
		return 0.95
	}
}

// Ranking is one variant's position in the winner decision
type Ranking struct {
	VariantID  string
	Name       string
	Score      float64
	Confidence float64
}

// Rank orders variants by descending score under the given weights
func (e *Experiment) Rank(w ScoreWeights) []Ranking {
	out := make([]Ranking, 0, len(e.Variants))
	for i := range e.Variants {
		v := &e.Variants[i]
		out = append(out, Ranking{
			VariantID:  v.ID,
			Name:       v.Name,
			Score:      v.Score(w),
			Confidence: Confidence(v.Perf.Sent),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// SelectWinner ranks variants and marks the top-ranked one as winner.
// Permitted only once the total sent across variants has reached the
// configured test size, and only once per experiment: the decision is
// one-shot and a second invocation is rejected with the winner
// unchanged. Callers promote the winner's content onto the campaign's
// primary configuration.
func (e *Experiment) SelectWinner(w ScoreWeights) (*Variant, error) {
	if e.Decided() {
		return nil, ErrWinnerAlreadySelected
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.TotalSent() < e.TestSize {
		return nil, ErrInsufficientSample
	}

	ranked := e.Rank(w)
	winner := e.Variant(ranked[0].VariantID)
	e.WinnerID = winner.ID
	return winner, nil
}
