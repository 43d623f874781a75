package interceptor

import (
	"testing"

	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/require"
)

func TestRuleSetFirstMatchWins(t *testing.T) {
	rules := RuleSet{
		{Condition: OpcodeEquals(primitive.OpCodeStartup), Reaction: DropReaction()},
		{Condition: OpcodeEquals(primitive.OpCodeQuery), Reaction: CloseReaction()},
		{Condition: TrueCondition(), Reaction: DropReaction()},
	}
	snapshot := &RuleSnapshot{RequestRules: rules}
	evaluator := newRuleEvaluator(newWorkerRand())

	index, reaction := evaluator.evaluate(snapshot, rules, NewFrame(0x04, 0, 1, primitive.OpCodeQuery, nil))
	require.Equal(t, 1, index)
	require.IsType(t, closeAction{}, reaction.Addressee.Action)

	index, reaction = evaluator.evaluate(snapshot, rules, NewFrame(0x04, 0, 1, primitive.OpCodeOptions, nil))
	require.Equal(t, 2, index)
	require.IsType(t, dropAction{}, reaction.Addressee.Action)
}

func TestRuleSetDefaultReactionIsForward(t *testing.T) {
	rules := RuleSet{
		{Condition: OpcodeEquals(primitive.OpCodeStartup), Reaction: DropReaction()},
	}
	snapshot := &RuleSnapshot{RequestRules: rules}
	evaluator := newRuleEvaluator(newWorkerRand())

	index, reaction := evaluator.evaluate(snapshot, rules, NewFrame(0x04, 0, 1, primitive.OpCodeQuery, nil))
	require.Equal(t, -1, index)
	require.NotNil(t, reaction.Addressee)
	require.IsType(t, forwardAction{}, reaction.Addressee.Action)
	require.Nil(t, reaction.Feedback)
}

// Pins the counting contract: the rule fires exactly once, on the (n+1)-th
// evaluation of its enclosing condition that would match with the seq leaf
// assumed true.
func TestConnectionSeqFiresExactlyOnce(t *testing.T) {
	rules := RuleSet{
		{Condition: And(OpcodeEquals(primitive.OpCodeQuery), ConnectionSeqEquals(2)), Reaction: DropReaction()},
	}
	snapshot := &RuleSnapshot{RequestRules: rules}
	evaluator := newRuleEvaluator(newWorkerRand())

	queryFrame := NewFrame(0x04, 0, 1, primitive.OpCodeQuery, nil)
	optionsFrame := NewFrame(0x04, 0, 1, primitive.OpCodeOptions, nil)

	matches := 0
	for i := 0; i < 10; i++ {
		// non-QUERY frames never advance the counter
		index, _ := evaluator.evaluate(snapshot, rules, optionsFrame)
		require.Equal(t, -1, index)

		index, _ = evaluator.evaluate(snapshot, rules, queryFrame)
		if index == 0 {
			matches++
			require.Equal(t, 2, i, "rule must fire on the third matching frame")
		}
	}
	require.Equal(t, 1, matches)
}

// The under-documented nested-Or case, pinned: a short-circuiting left
// operand still counts the evaluation because the enclosing condition would
// match regardless of the seq leaf.
func TestConnectionSeqInsideShortCircuitingOr(t *testing.T) {
	rules := RuleSet{
		{Condition: And(Or(TrueCondition(), ConnectionSeqEquals(0)), ConnectionSeqEquals(2)), Reaction: DropReaction()},
	}
	snapshot := &RuleSnapshot{RequestRules: rules}
	evaluator := newRuleEvaluator(newWorkerRand())

	f := NewFrame(0x04, 0, 1, primitive.OpCodeQuery, nil)

	// the short-circuited Or still counts every evaluation, so the Seq(2)
	// leaf fires on the third frame
	matchedAt := -1
	for i := 0; i < 5; i++ {
		if index, _ := evaluator.evaluate(snapshot, rules, f); index == 0 {
			require.Equal(t, -1, matchedAt, "rule fired more than once")
			matchedAt = i
		}
	}
	require.Equal(t, 2, matchedAt)
}

func TestCountersResetOnSnapshotSwap(t *testing.T) {
	rules := RuleSet{
		{Condition: ConnectionSeqEquals(1), Reaction: DropReaction()},
	}
	first := &RuleSnapshot{RequestRules: rules}
	evaluator := newRuleEvaluator(newWorkerRand())

	f := NewFrame(0x04, 0, 1, primitive.OpCodeQuery, nil)

	index, _ := evaluator.evaluate(first, rules, f)
	require.Equal(t, -1, index) // seq 0
	index, _ = evaluator.evaluate(first, rules, f)
	require.Equal(t, 0, index) // seq 1 fires

	// a new snapshot with identical rules starts counting from scratch
	second := &RuleSnapshot{RequestRules: rules}
	index, _ = evaluator.evaluate(second, rules, f)
	require.Equal(t, -1, index)
	index, _ = evaluator.evaluate(second, rules, f)
	require.Equal(t, 0, index)
}

func TestRuleSetValidate(t *testing.T) {
	valid := RuleSet{
		{Condition: OpcodeEquals(primitive.OpCodeQuery), Reaction: DropReaction()},
		{Condition: RandomWithProbability(0.25), Reaction: ForwardReaction()},
	}
	require.Nil(t, valid.Validate())
	require.Nil(t, RuleSet(nil).Validate())

	invalid := RuleSet{
		{Condition: OpcodeEquals(primitive.OpCodeQuery), Reaction: DropReaction()},
		{Condition: RandomWithProbability(1.01), Reaction: ForwardReaction()},
	}
	err := invalid.Validate()
	require.ErrorIs(t, err, ErrRuleInvalid)
	require.Contains(t, err.Error(), "rule 1")

	missingCondition := RuleSet{{Reaction: DropReaction()}}
	require.ErrorIs(t, missingCondition.Validate(), ErrRuleInvalid)
}
