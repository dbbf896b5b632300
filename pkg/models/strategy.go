package models

// Strategy is the policy used to pick the next proxy from a pool.
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round-robin"

	// strategyCycle is accepted as an alias of round-robin.
	strategyCycle = "cycle"

	DefaultStrategy = StrategyRandom
)

// ParseStrategy maps a configured name onto a known strategy.
// The boolean is false when the name is unknown and the default was used instead.
func ParseStrategy(name string) (Strategy, bool) {
	switch name {
	case "":
		return DefaultStrategy, true
	case string(StrategyRandom):
		return StrategyRandom, true
	case string(StrategyRoundRobin), "round_robin", strategyCycle:
		return StrategyRoundRobin, true
	default:
		return DefaultStrategy, false
	}
}
