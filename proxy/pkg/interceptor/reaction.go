package interceptor

import (
	"time"

	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

// FrameAction is what happens to the triggering frame on the addressee side.
// Closed set of variants, matched by type switch in the worker.
type FrameAction interface {
	isFrameAction()
}

// forwardAction passes the original frame through unchanged.
type forwardAction struct{}

// dropAction silently discards the frame.
type dropAction struct{}

// forgeAction replaces the frame with a caller-supplied one. The forged
// frame's stream id is taken as provided; tests may deliberately mismatch it.
type forgeAction struct {
	frame *Frame
}

// forgeErrorAction is the ForgeWithError convenience: an ERROR frame with the
// given code and message, correlated to the triggering frame's stream id, is
// sent to the driver. The triggering frame itself is discarded.
type forgeErrorAction struct {
	code    primitive.ErrorCode
	message string
}

// closeAction shuts the connection down once every earlier-scheduled frame on
// the triggering side has been written out.
type closeAction struct{}

func (forwardAction) isFrameAction()    {}
func (dropAction) isFrameAction()       {}
func (forgeAction) isFrameAction()      {}
func (forgeErrorAction) isFrameAction() {}
func (closeAction) isFrameAction()      {}

// AddresseeReaction is the delivery half of a reaction: what to do with the
// frame and how long to hold it first.
type AddresseeReaction struct {
	Delay  time.Duration
	Action FrameAction
}

// FeedbackReaction publishes an event on the proxy's feedback channel when
// the rule matches, optionally carrying the intercepted frame.
type FeedbackReaction struct {
	EventTag     string
	IncludeFrame bool
}

// Reaction pairs an optional addressee-side effect with an optional feedback
// publication. A nil Addressee means the triggering frame is not delivered
// (it behaves like Drop); a nil Feedback means no event.
type Reaction struct {
	Addressee *AddresseeReaction
	Feedback  *FeedbackReaction
}

// defaultReaction is returned when no rule matches: pass through, no event.
var defaultReaction = Reaction{Addressee: &AddresseeReaction{Action: forwardAction{}}}

func ForwardReaction() Reaction {
	return Reaction{Addressee: &AddresseeReaction{Action: forwardAction{}}}
}

func DropReaction() Reaction {
	return Reaction{Addressee: &AddresseeReaction{Action: dropAction{}}}
}

func ForgeReaction(f *Frame) Reaction {
	return Reaction{Addressee: &AddresseeReaction{Action: forgeAction{frame: f}}}
}

func ForgeErrorReaction(code primitive.ErrorCode, message string) Reaction {
	return Reaction{Addressee: &AddresseeReaction{Action: forgeErrorAction{code: code, message: message}}}
}

func CloseReaction() Reaction {
	return Reaction{Addressee: &AddresseeReaction{Action: closeAction{}}}
}

// WithDelay holds the addressee-side effect back by d before it is enacted.
func (r Reaction) WithDelay(d time.Duration) Reaction {
	if r.Addressee != nil {
		addressee := *r.Addressee
		addressee.Delay = d
		r.Addressee = &addressee
	}
	return r
}

// WithFeedback publishes an event tagged tag whenever the rule matches.
func (r Reaction) WithFeedback(tag string, includeFrame bool) Reaction {
	r.Feedback = &FeedbackReaction{EventTag: tag, IncludeFrame: includeFrame}
	return r
}
