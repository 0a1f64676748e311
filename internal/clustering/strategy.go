package clustering

import (
	"fmt"
	"strings"

	"horse.fit/bibcluster/internal/config"
)

// Strategy selects the candidate search variant, once, at startup.
type Strategy int

const (
	// StrategyBasic matches on every usable match point in one query.
	StrategyBasic Strategy = iota + 1
	// StrategyImproved runs the two-tier search with staleness filtering and
	// deeper comparison of low-confidence matches.
	StrategyImproved
)

func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case config.StrategyBasic:
		return StrategyBasic, nil
	case config.StrategyImproved, "":
		return StrategyImproved, nil
	default:
		return 0, fmt.Errorf("unknown clustering strategy %q", raw)
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyBasic:
		return config.StrategyBasic
	case StrategyImproved:
		return config.StrategyImproved
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}
