package budget

// Strategy names the effort level advertised to agents. Higher strategies
// assume larger context and more tool calls.
type Strategy string

// Strategies, cheapest first.
const (
	StrategyMinimal  Strategy = "minimal"
	StrategyBalanced Strategy = "balanced"
	StrategyThorough Strategy = "thorough"
)

// CostFloor returns the nominal token cost an agent call is expected to
// consume under the strategy. Admission uses this as the estimate.
func (s Strategy) CostFloor() int64 {
	switch s {
	case StrategyMinimal:
		return 2_000
	case StrategyBalanced:
		return 8_000
	case StrategyThorough:
		return 24_000
	}
	return 0
}

// IsValid returns true for a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyMinimal, StrategyBalanced, StrategyThorough:
		return true
	}
	return false
}

// Downgrade returns the next cheaper strategy. ok is false when s is
// already minimal.
func Downgrade(s Strategy) (next Strategy, ok bool) {
	switch s {
	case StrategyThorough:
		return StrategyBalanced, true
	case StrategyBalanced:
		return StrategyMinimal, true
	}
	return StrategyMinimal, false
}

// SelectStrategy returns the highest strategy whose cost floor the node
// (and its ancestors) can still admit. Falls back to minimal even when
// minimal would not be admitted; the subsequent Admit carries the denial.
func (l *Ledger) SelectStrategy(scope Scope, key string) (Strategy, error) {
	for _, s := range []Strategy{StrategyThorough, StrategyBalanced, StrategyMinimal} {
		decision, err := l.Admit(scope, key, s.CostFloor())
		if err != nil {
			return "", err
		}
		if decision.Allowed {
			return s, nil
		}
	}
	return StrategyMinimal, nil
}
