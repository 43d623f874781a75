package interceptor

import (
	"fmt"
	"math/rand"
)

// Direction of travel of an intercepted frame.
type Direction int

const (
	// ToNode is the driver-to-node direction (requests).
	ToNode Direction = iota
	// ToDriver is the node-to-driver direction (responses).
	ToDriver
)

func (d Direction) String() string {
	switch d {
	case ToNode:
		return "to-node"
	case ToDriver:
		return "to-driver"
	default:
		return fmt.Sprintf("direction-%d", int(d))
	}
}

// Rule pairs a condition with the reaction enacted when it matches.
type Rule struct {
	Condition Condition
	Reaction  Reaction
}

// RuleSet is an ordered list of rules, first match wins. An empty set makes
// the proxy transparent in that direction.
type RuleSet []Rule

// Validate rejects rules with semantically impossible parameters. Called at
// construction and reconfigure time; an invalid set is never installed.
func (rs RuleSet) Validate() error {
	for i := range rs {
		if rs[i].Condition == nil {
			return fmt.Errorf("rule %d has no condition: %w", i, ErrRuleInvalid)
		}
		if err := validateCondition(rs[i].Condition); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// RuleSnapshot is one immutable publication of both directions' rule sets.
// Workers re-read the current snapshot from their node's atomic pointer on
// every incoming frame, so a reconfigure swap takes effect at the next frame
// without tearing.
type RuleSnapshot struct {
	RequestRules  RuleSet
	ResponseRules RuleSet
}

// ruleEvaluator holds the per-connection, per-direction state needed by
// ConnectionSeqEquals: one hidden counter per top-level rule. It is owned by
// a single reader goroutine, so no locking.
type ruleEvaluator struct {
	lastSnapshot *RuleSnapshot
	seqCounters  []int
	rnd          *rand.Rand
}

func newRuleEvaluator(rnd *rand.Rand) *ruleEvaluator {
	return &ruleEvaluator{rnd: rnd}
}

// evaluate walks the rules in order and returns the matched rule index and
// its reaction, or (-1, pass-through) when nothing matches. Counters reset
// when a new snapshot is installed: rule indexes refer to the new list.
//
// The counting contract for ConnectionSeqEquals: rule i's counter increments
// after every full evaluation of rule i's condition whose outcome would have
// been a match had the ConnectionSeqEquals leaves reported true. The leaf
// itself compares against the pre-increment value, so the first counted
// evaluation is seq 0 and the rule fires exactly once, on evaluation seq+1.
func (e *ruleEvaluator) evaluate(snapshot *RuleSnapshot, rules RuleSet, f *Frame) (int, Reaction) {
	if e.lastSnapshot != snapshot {
		e.lastSnapshot = snapshot
		e.seqCounters = make([]int, len(rules))
	}

	for i := range rules {
		env := &evalEnv{seqCounter: e.seqCounters[i], rnd: e.rnd}
		matched, seqAssumed := evaluateCondition(rules[i].Condition, f, env)
		if seqAssumed {
			e.seqCounters[i]++
		}
		if matched {
			return i, rules[i].Reaction
		}
	}

	return -1, defaultReaction
}
