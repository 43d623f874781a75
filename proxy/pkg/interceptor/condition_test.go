package interceptor

import (
	"math/rand"
	"testing"

	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/require"
)

func evalOnce(t *testing.T, c Condition, f *Frame, seqCounter int) (bool, bool) {
	env := &evalEnv{seqCounter: seqCounter, rnd: rand.New(rand.NewSource(1))}
	return evaluateCondition(c, f, env)
}

func TestConditionLeaves(t *testing.T) {
	queryFrame := NewFrame(0x04, primitive.HeaderFlagTracing, 1, primitive.OpCodeQuery, []byte("SELECT pk FROM ks.tb"))

	tests := []struct {
		name      string
		condition Condition
		expected  bool
	}{
		{"True", TrueCondition(), true},
		{"False", FalseCondition(), false},
		{"OpcodeMatch", OpcodeEquals(primitive.OpCodeQuery), true},
		{"OpcodeMismatch", OpcodeEquals(primitive.OpCodeStartup), false},
		{"BodyContainsCaseSensitiveMatch", BodyContainsCaseSensitive([]byte("SELECT")), true},
		{"BodyContainsCaseSensitiveMismatch", BodyContainsCaseSensitive([]byte("select")), false},
		{"BodyContainsCaseInsensitiveMatch", BodyContainsCaseInsensitive([]byte("sElEcT")), true},
		{"BodyContainsCaseInsensitiveMismatch", BodyContainsCaseInsensitive([]byte("UPDATE")), false},
		{"HasFlagMatch", HasFlag(primitive.HeaderFlagTracing), true},
		{"HasFlagMismatch", HasFlag(primitive.HeaderFlagCompressed), false},
		{"ProtocolVersionMatch", HasProtocolVersion(4), true},
		{"ProtocolVersionMismatch", HasProtocolVersion(3), false},
		{"RandomZero", RandomWithProbability(0), false},
		{"RandomOne", RandomWithProbability(1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, _ := evalOnce(t, tt.condition, queryFrame, 0)
			require.Equal(t, tt.expected, matched)
		})
	}
}

func TestHasProtocolVersionIgnoresDirectionBit(t *testing.T) {
	responseFrame := NewFrame(0x84, 0, 1, primitive.OpCodeResult, []byte{})
	matched, _ := evalOnce(t, HasProtocolVersion(4), responseFrame, 0)
	require.True(t, matched)

	matched, _ = evalOnce(t, HasProtocolVersion(0x84), responseFrame, 0)
	require.True(t, matched)
}

func TestConditionComposition(t *testing.T) {
	queryFrame := NewFrame(0x04, 0, 1, primitive.OpCodeQuery, []byte("SELECT 1"))

	tests := []struct {
		name      string
		condition Condition
		expected  bool
	}{
		{"AndBothTrue", And(TrueCondition(), OpcodeEquals(primitive.OpCodeQuery)), true},
		{"AndLeftFalse", And(FalseCondition(), TrueCondition()), false},
		{"AndRightFalse", And(TrueCondition(), FalseCondition()), false},
		{"OrLeftTrue", Or(TrueCondition(), FalseCondition()), true},
		{"OrRightTrue", Or(FalseCondition(), TrueCondition()), true},
		{"OrBothFalse", Or(FalseCondition(), FalseCondition()), false},
		{"NotTrue", Not(TrueCondition()), false},
		{"NotFalse", Not(FalseCondition()), true},
		{"Nested", And(OpcodeEquals(primitive.OpCodeQuery), Or(BodyContainsCaseSensitive([]byte("SELECT")), FalseCondition())), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, _ := evalOnce(t, tt.condition, queryFrame, 0)
			require.Equal(t, tt.expected, matched)
		})
	}
}

func TestConnectionSeqAssumedOutcome(t *testing.T) {
	queryFrame := NewFrame(0x04, 0, 1, primitive.OpCodeQuery, []byte("SELECT 1"))

	// the seq leaf itself only matches at its configured counter value, but
	// the assumed outcome is always true so the counter keeps advancing
	matched, assumed := evalOnce(t, ConnectionSeqEquals(2), queryFrame, 0)
	require.False(t, matched)
	require.True(t, assumed)

	matched, assumed = evalOnce(t, ConnectionSeqEquals(2), queryFrame, 2)
	require.True(t, matched)
	require.True(t, assumed)

	// a non-matching sibling makes the whole evaluation not count
	matched, assumed = evalOnce(t, And(OpcodeEquals(primitive.OpCodeStartup), ConnectionSeqEquals(0)), queryFrame, 0)
	require.False(t, matched)
	require.False(t, assumed)

	// short-circuiting Or with an always-true left operand counts every time
	matched, assumed = evalOnce(t, Or(TrueCondition(), ConnectionSeqEquals(5)), queryFrame, 0)
	require.True(t, matched)
	require.True(t, assumed)

	// Not flips the assumed outcome too: the enclosing condition would not
	// match if the leaf reported true, so such evaluations never count
	matched, assumed = evalOnce(t, Not(ConnectionSeqEquals(3)), queryFrame, 0)
	require.True(t, matched)
	require.False(t, assumed)
}

func TestRandomDrawIsSharedBetweenOutcomes(t *testing.T) {
	queryFrame := NewFrame(0x04, 0, 1, primitive.OpCodeQuery, []byte{})

	// with p=0.5 both outcomes must always agree: one draw per evaluation
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		env := &evalEnv{seqCounter: 0, rnd: rnd}
		matched, assumed := evaluateCondition(RandomWithProbability(0.5), queryFrame, env)
		require.Equal(t, matched, assumed)
	}
}

func TestValidateCondition(t *testing.T) {
	require.Nil(t, validateCondition(RandomWithProbability(0)))
	require.Nil(t, validateCondition(RandomWithProbability(0.5)))
	require.Nil(t, validateCondition(RandomWithProbability(1)))

	require.ErrorIs(t, validateCondition(RandomWithProbability(-0.1)), ErrRuleInvalid)
	require.ErrorIs(t, validateCondition(RandomWithProbability(1.5)), ErrRuleInvalid)
	require.ErrorIs(t, validateCondition(And(TrueCondition(), RandomWithProbability(2))), ErrRuleInvalid)
	require.ErrorIs(t, validateCondition(Or(RandomWithProbability(-1), TrueCondition())), ErrRuleInvalid)
	require.ErrorIs(t, validateCondition(Not(RandomWithProbability(42))), ErrRuleInvalid)
}
