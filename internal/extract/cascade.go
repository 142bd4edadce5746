package extract

import (
	"regexp"
	"time"
)

// Input is what a rule may look at besides its own match.
type Input struct {
	Platform   string
	ReceivedAt time.Time
}

// Rule is one entry of an extraction cascade: a pattern and a pure function
// turning a match into a value and a quality tier. A rejected match lets the
// cascade continue with the next match and then the next rule.
type Rule[T any] struct {
	Name string
	// Platform restricts the rule to messages from one platform; empty matches all.
	Platform string
	Pattern  *regexp.Regexp
	Extract  func(match []string, in Input) (value T, tier int, ok bool)
}

// Cascade is an ordered rule list. The first rule producing a value wins.
type Cascade[T any] []Rule[T]

// Result is the outcome of running a cascade.
type Result[T any] struct {
	Value      T
	Confidence int
	Rule       string
	OK         bool
}

// Run evaluates the cascade against text.
func (c Cascade[T]) Run(text string, in Input) Result[T] {
	for i, rule := range c {
		if rule.Platform != "" && rule.Platform != in.Platform {
			continue
		}
		for _, m := range rule.Pattern.FindAllStringSubmatch(text, -1) {
			v, tier, ok := rule.Extract(m, in)
			if ok {
				return Result[T]{Value: v, Confidence: Confidence(tier, i), Rule: rule.Name, OK: true}
			}
		}
	}
	return Result[T]{}
}

// Confidence combines a value's quality tier with the position of the rule
// that produced it. Any value of a higher tier outranks every value of a
// lower tier; within a tier, earlier rules outrank later ones. Zero means
// nothing was extracted.
func Confidence(tier, ruleIndex int) int {
	if tier <= 0 {
		return 0
	}
	if ruleIndex > 98 {
		ruleIndex = 98
	}
	return tier*100 + (99 - ruleIndex)
}
