package interceptor

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"

	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

// Condition is a pure predicate over a frame plus per-connection counters.
// It is a closed set of variants; build instances through the constructors
// below and compose them with And/Or/Not.
type Condition interface {
	isCondition()
}

type trueCondition struct{}
type falseCondition struct{}

type opcodeCondition struct {
	opCode primitive.OpCode
}

type bodyContainsCondition struct {
	needle          []byte
	caseInsensitive bool
}

// connectionSeqCondition matches when the owning rule's per-connection
// counter equals seq. See ruleEvaluator for the counting contract.
type connectionSeqCondition struct {
	seq int
}

type randomCondition struct {
	probability float64
}

type flagCondition struct {
	flag primitive.HeaderFlag
}

type protocolVersionCondition struct {
	version byte
}

type andCondition struct {
	left  Condition
	right Condition
}

type orCondition struct {
	left  Condition
	right Condition
}

type notCondition struct {
	inner Condition
}

func (trueCondition) isCondition()            {}
func (falseCondition) isCondition()           {}
func (opcodeCondition) isCondition()          {}
func (bodyContainsCondition) isCondition()    {}
func (connectionSeqCondition) isCondition()   {}
func (randomCondition) isCondition()          {}
func (flagCondition) isCondition()            {}
func (protocolVersionCondition) isCondition() {}
func (andCondition) isCondition()             {}
func (orCondition) isCondition()              {}
func (notCondition) isCondition()             {}

func TrueCondition() Condition {
	return trueCondition{}
}

func FalseCondition() Condition {
	return falseCondition{}
}

func OpcodeEquals(opCode primitive.OpCode) Condition {
	return opcodeCondition{opCode: opCode}
}

// BodyContainsCaseSensitive matches a byte substring anywhere in the frame
// body. Well defined for any opcode, compressed bodies included.
func BodyContainsCaseSensitive(needle []byte) Condition {
	return bodyContainsCondition{needle: needle}
}

func BodyContainsCaseInsensitive(needle []byte) Condition {
	return bodyContainsCondition{needle: needle, caseInsensitive: true}
}

// ConnectionSeqEquals matches on the (seq+1)-th full evaluation of the
// enclosing top-level condition on this connection. The first evaluation is
// seq 0. The hidden counter increments on every evaluation of the enclosing
// condition that would match if this leaf reported true, regardless of the
// leaf's actual outcome.
func ConnectionSeqEquals(seq int) Condition {
	return connectionSeqCondition{seq: seq}
}

// RandomWithProbability matches with probability p, drawn from the worker's
// PRNG. p outside [0, 1] is rejected at reconfigure time.
func RandomWithProbability(p float64) Condition {
	return randomCondition{probability: p}
}

func HasFlag(flag primitive.HeaderFlag) Condition {
	return flagCondition{flag: flag}
}

// HasProtocolVersion compares the low 7 bits of the version byte, so the same
// rule matches requests and responses of a protocol version.
func HasProtocolVersion(version byte) Condition {
	return protocolVersionCondition{version: version}
}

func And(left Condition, right Condition) Condition {
	return andCondition{left: left, right: right}
}

func Or(left Condition, right Condition) Condition {
	return orCondition{left: left, right: right}
}

func Not(inner Condition) Condition {
	return notCondition{inner: inner}
}

// evalEnv carries the per-rule counter value and the worker's PRNG into one
// condition evaluation.
type evalEnv struct {
	seqCounter int
	rnd        *rand.Rand
}

// evaluateCondition walks the condition tree once and returns two outcomes:
// matched is the real verdict; seqAssumed is the verdict with every
// ConnectionSeqEquals leaf replaced by true. The second value drives the
// counter increment. Composites short-circuit as soon as both outcomes are
// decided; a RandomWithProbability leaf draws exactly once and feeds the same
// draw into both outcomes.
func evaluateCondition(c Condition, f *Frame, env *evalEnv) (matched bool, seqAssumed bool) {
	switch cond := c.(type) {
	case trueCondition:
		return true, true
	case falseCondition:
		return false, false
	case opcodeCondition:
		m := f.OpCode == cond.opCode
		return m, m
	case bodyContainsCondition:
		var m bool
		if cond.caseInsensitive {
			m = bytes.Contains(bytes.ToLower(f.Body), bytes.ToLower(cond.needle))
		} else {
			m = bytes.Contains(f.Body, cond.needle)
		}
		return m, m
	case connectionSeqCondition:
		return env.seqCounter == cond.seq, true
	case randomCondition:
		m := env.rnd.Float64() < cond.probability
		return m, m
	case flagCondition:
		m := f.Flags.Contains(cond.flag)
		return m, m
	case protocolVersionCondition:
		m := f.ProtocolVersion() == cond.version&0x7f
		return m, m
	case andCondition:
		leftMatched, leftAssumed := evaluateCondition(cond.left, f, env)
		if !leftMatched && !leftAssumed {
			return false, false
		}
		rightMatched, rightAssumed := evaluateCondition(cond.right, f, env)
		return leftMatched && rightMatched, leftAssumed && rightAssumed
	case orCondition:
		leftMatched, leftAssumed := evaluateCondition(cond.left, f, env)
		if leftMatched && leftAssumed {
			return true, true
		}
		rightMatched, rightAssumed := evaluateCondition(cond.right, f, env)
		return leftMatched || rightMatched, leftAssumed || rightAssumed
	case notCondition:
		innerMatched, innerAssumed := evaluateCondition(cond.inner, f, env)
		return !innerMatched, !innerAssumed
	default:
		return false, false
	}
}

func validateCondition(c Condition) error {
	switch cond := c.(type) {
	case randomCondition:
		if math.IsNaN(cond.probability) || cond.probability < 0 || cond.probability > 1 {
			return fmt.Errorf("probability %v is outside [0, 1]: %w", cond.probability, ErrRuleInvalid)
		}
		return nil
	case andCondition:
		if err := validateCondition(cond.left); err != nil {
			return err
		}
		return validateCondition(cond.right)
	case orCondition:
		if err := validateCondition(cond.left); err != nil {
			return err
		}
		return validateCondition(cond.right)
	case notCondition:
		return validateCondition(cond.inner)
	default:
		return nil
	}
}
