package consensus

// DefaultTrimPercent is the fraction trimmed from each end by TrimmedMean.
const DefaultTrimPercent = 0.10

// Config holds tunables for the engine.
type Config struct {
	TrimPercent float64 `json:"trim_percent" yaml:"trim_percent"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{TrimPercent: DefaultTrimPercent}
}

// Engine dispatches a score set to the named algorithm. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Calculate computes consensus over scores with the named algorithm.
//
// An empty name means SimpleAverage. Unknown names fail with
// ErrUnknownAlgorithm. WeightedAverage without agents fails with
// ErrMissingMetadata. The iterative algorithms aggregate each round with
// SimpleAverage (IterativeConvergence) or, when agent metadata is present,
// WeightedAverage (Delphi); repeated rounds are driven by the orchestrator.
func (e *Engine) Calculate(name Algorithm, scores ScoreSet, agents []Agent) (*Result, error) {
	alg, err := ParseAlgorithm(string(name))
	if err != nil {
		return nil, err
	}

	var res *Result
	switch alg {
	case SimpleAverage, IterativeConvergence:
		res, err = simpleAverage(scores)
	case WeightedAverage:
		res, err = weightedAverage(scores, agents)
	case Median:
		res, err = median(scores)
	case TrimmedMean:
		res, err = trimmedMean(scores, e.cfg.TrimPercent)
	case Delphi:
		if len(agents) > 0 {
			res, err = weightedAverage(scores, agents)
		} else {
			res, err = simpleAverage(scores)
		}
	default:
		return nil, &UnknownAlgorithmError{Name: string(alg)}
	}
	if err != nil {
		return nil, err
	}
	res.Algorithm = alg
	return res, nil
}
