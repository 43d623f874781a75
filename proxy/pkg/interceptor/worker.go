package interceptor

import (
	"bufio"
	"container/heap"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/datastax/cql-interceptor/proxy/pkg/config"
	"github.com/datastax/cql-interceptor/proxy/pkg/metrics"
)

const (
	DriverConnectorLogPrefix = "DRIVER-CONNECTOR"
	NodeConnectorLogPrefix   = "NODE-CONNECTOR"
)

const (
	workerRunning int32 = iota
	workerDraining
	workerClosed
)

// ConnectionWorker orchestrates one driver/node connection pair. Four
// cooperating tasks run on it: two readers (decode a side's frames, evaluate
// the matching direction's rules, enact the reaction) and two write loops
// (deliver scheduled frames in release-time order).
//
// State machine: Running, then Draining, then Closed. A CloseConnection
// reaction or a peer EOF starts draining: no more socket reads, but both
// scheduled-frame queues keep pumping (delays included) until empty. Codec
// errors and external cancellation skip draining; whatever is still queued is
// dropped with a feedback event.
type ConnectionWorker struct {
	id   uuid.UUID
	conf *config.Config
	node *nodeBinding

	driverConnection net.Conn
	nodeConnection   net.Conn

	feedback           *FeedbackHub
	interceptorMetrics *metrics.InterceptorMetrics

	workerContext  context.Context
	workerCancelFn context.CancelFunc

	// drainingContext is derived from workerContext; cancelling it stops the
	// readers without touching the write loops.
	drainingContext  context.Context
	drainingCancelFn context.CancelFunc

	state int32

	toNodeQueue   *scheduledFrameQueue
	toDriverQueue *scheduledFrameQueue

	readersWg sync.WaitGroup
	writersWg sync.WaitGroup

	doneChan chan struct{}
}

func NewConnectionWorker(
	conf *config.Config,
	node *nodeBinding,
	driverConnection net.Conn,
	nodeConnection net.Conn,
	feedback *FeedbackHub,
	interceptorMetrics *metrics.InterceptorMetrics,
	parentContext context.Context) *ConnectionWorker {

	workerContext, workerCancelFn := context.WithCancel(parentContext)
	drainingContext, drainingCancelFn := context.WithCancel(workerContext)

	return &ConnectionWorker{
		id:                 uuid.New(),
		conf:               conf,
		node:               node,
		driverConnection:   driverConnection,
		nodeConnection:     nodeConnection,
		feedback:           feedback,
		interceptorMetrics: interceptorMetrics,
		workerContext:      workerContext,
		workerCancelFn:     workerCancelFn,
		drainingContext:    drainingContext,
		drainingCancelFn:   drainingCancelFn,
		state:              workerRunning,
		toNodeQueue:        newScheduledFrameQueue(ToNode, conf.WriteQueueSizeFrames),
		toDriverQueue:      newScheduledFrameQueue(ToDriver, conf.WriteQueueSizeFrames),
		doneChan:           make(chan struct{}),
	}
}

func (w *ConnectionWorker) Id() uuid.UUID {
	return w.id
}

// Done is closed once the worker has reached the Closed state and both
// sockets are shut.
func (w *ConnectionWorker) Done() <-chan struct{} {
	return w.doneChan
}

// Start launches the four worker tasks plus a small coordinator that closes
// the queues once the readers are gone and the sockets once the writers are.
func (w *ConnectionWorker) Start() {
	log.Infof("[WORKER %v] Intercepting %v <-> %v (node %v)",
		w.id, w.driverConnection.RemoteAddr(), w.nodeConnection.RemoteAddr(), w.node.realAddress)

	w.interceptorMetrics.OpenClientConnections.Add(1)

	w.readersWg.Add(2)
	go w.runReadLoop(w.driverConnection, ToNode, DriverConnectorLogPrefix)
	go w.runReadLoop(w.nodeConnection, ToDriver, NodeConnectorLogPrefix)

	w.writersWg.Add(2)
	go w.runWriteLoop(w.nodeConnection, w.toNodeQueue, NodeConnectorLogPrefix)
	go w.runWriteLoop(w.driverConnection, w.toDriverQueue, DriverConnectorLogPrefix)

	go func() {
		w.readersWg.Wait()
		w.toNodeQueue.closeInput()
		w.toDriverQueue.closeInput()
		w.writersWg.Wait()

		atomic.StoreInt32(&w.state, workerClosed)
		w.workerCancelFn()
		if err := w.driverConnection.Close(); err != nil {
			log.Debugf("[WORKER %v] Error closing driver connection: %v", w.id, err)
		}
		if err := w.nodeConnection.Close(); err != nil {
			log.Debugf("[WORKER %v] Error closing node connection: %v", w.id, err)
		}

		w.interceptorMetrics.OpenClientConnections.Subtract(1)
		log.Infof("[WORKER %v] Closed", w.id)
		close(w.doneChan)
	}()
}

// BeginDraining asks the worker to stop reading and wind down gracefully.
// Safe to call from any goroutine and more than once.
func (w *ConnectionWorker) BeginDraining(reason string) {
	if atomic.CompareAndSwapInt32(&w.state, workerRunning, workerDraining) {
		log.Debugf("[WORKER %v] Entering draining state: %v", w.id, reason)
		w.drainingCancelFn()
	}
}

// Close cancels the worker outright: no draining, queued frames are dropped
// with a feedback event each.
func (w *ConnectionWorker) Close() {
	w.workerCancelFn()
}

func (w *ConnectionWorker) queueFor(direction Direction) *scheduledFrameQueue {
	if direction == ToNode {
		return w.toNodeQueue
	}
	return w.toDriverQueue
}

func (w *ConnectionWorker) rulesFor(snapshot *RuleSnapshot, direction Direction) RuleSet {
	if direction == ToNode {
		return snapshot.RequestRules
	}
	return snapshot.ResponseRules
}

func (w *ConnectionWorker) runReadLoop(conn net.Conn, direction Direction, logPrefix string) {
	defer w.readersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%v] Panic in read loop of worker %v: %v", logPrefix, w.id, r)
			w.workerCancelFn()
		}
	}()

	// Unblock a pending Read when the worker stops running; the read loop
	// recognizes the deadline error through drainingContext.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-w.drainingContext.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-watcherDone:
		}
	}()

	bufferedReader := bufio.NewReaderSize(conn, w.conf.ReadBufferSizeBytes)
	evaluator := newRuleEvaluator(newWorkerRand())

	for {
		f, err := ReadFrame(bufferedReader)
		if err != nil {
			if w.drainingContext.Err() != nil {
				// deliberate unblock: draining or shutdown
				return
			}
			if errors.Is(err, io.EOF) {
				log.Debugf("[%v] Peer %v closed the connection", logPrefix, conn.RemoteAddr())
				w.BeginDraining("peer EOF")
				return
			}

			log.Errorf("[%v] Fatal read error on worker %v: %v", logPrefix, w.id, err)
			w.interceptorMetrics.ConnectionErrors.Add(1)
			w.feedback.publish(w.workerContext, Event{
				WorkerId:  w.id,
				Direction: direction,
				Kind:      EventConnectionError,
				RuleIndex: -1,
				Err:       err,
				Timestamp: time.Now(),
			})
			w.workerCancelFn()
			return
		}

		log.Tracef("[%v] Intercepted %v", logPrefix, f)
		if direction == ToNode {
			w.interceptorMetrics.FramesInterceptedToNode.Add(1)
		} else {
			w.interceptorMetrics.FramesInterceptedToDriver.Add(1)
		}

		// Fresh snapshot per frame: a reconfigure swap takes effect on the
		// next frame each worker processes.
		snapshot := w.node.rules.Load()
		ruleIndex, reaction := evaluator.evaluate(snapshot, w.rulesFor(snapshot, direction), f)
		if ruleIndex >= 0 {
			log.Debugf("[%v] Rule %d matched %v on worker %v", logPrefix, ruleIndex, f, w.id)
			w.interceptorMetrics.RulesMatched.Add(1)
		}

		closing, err := w.executeReaction(f, direction, ruleIndex, reaction)
		if err != nil {
			return
		}
		if closing {
			return
		}
	}
}

// executeReaction enacts a matched (or default) reaction: schedules delivery
// on the addressee side and publishes feedback. Returns closing=true when the
// reaction was CloseConnection and the read loop must stop.
func (w *ConnectionWorker) executeReaction(f *Frame, direction Direction, ruleIndex int, reaction Reaction) (closing bool, err error) {
	if reaction.Addressee != nil {
		releaseAt := time.Now().Add(reaction.Addressee.Delay)

		switch action := reaction.Addressee.Action.(type) {
		case forwardAction:
			if err := w.queueFor(direction).enqueueFrame(w.workerContext, f, releaseAt); err != nil {
				return false, err
			}
		case dropAction:
			w.interceptorMetrics.FramesDropped.Add(1)
		case forgeAction:
			w.interceptorMetrics.FramesForged.Add(1)
			if err := w.queueFor(direction).enqueueFrame(w.workerContext, action.frame.Clone(), releaseAt); err != nil {
				return false, err
			}
		case forgeErrorAction:
			errorFrame, forgeErr := newErrorFrame(f, action.code, action.message)
			if forgeErr != nil {
				log.Errorf("[WORKER %v] Could not forge error frame: %v", w.id, forgeErr)
				break
			}
			w.interceptorMetrics.FramesForged.Add(1)
			// ERROR is a response-class message: it always goes back to the
			// driver so the stream id correlation means something there.
			if err := w.toDriverQueue.enqueueFrame(w.workerContext, errorFrame, releaseAt); err != nil {
				return false, err
			}
		case closeAction:
			if err := w.queueFor(direction).enqueueClose(w.workerContext, releaseAt); err != nil {
				return false, err
			}
			w.BeginDraining("close-connection reaction")
			closing = true
		}
	}

	if reaction.Feedback != nil {
		ev := Event{
			WorkerId:  w.id,
			Direction: direction,
			Kind:      EventRuleMatched,
			RuleIndex: ruleIndex,
			EventTag:  reaction.Feedback.EventTag,
			Timestamp: time.Now(),
		}
		if reaction.Feedback.IncludeFrame {
			ev.Frame = f
		}
		w.feedback.publish(w.workerContext, ev)
	}

	return closing, nil
}

// runWriteLoop drains one direction's scheduled-frame queue. It keeps the
// not-yet-due entries in a release-time min-heap and always writes the
// earliest-due one, so a short-delay frame enqueued later overtakes a
// long-delay frame enqueued earlier.
func (w *ConnectionWorker) runWriteLoop(conn net.Conn, queue *scheduledFrameQueue, logPrefix string) {
	defer w.writersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%v] Panic in write loop of worker %v: %v", logPrefix, w.id, r)
			w.workerCancelFn()
		}
	}()

	pending := &frameHeap{}
	heap.Init(pending)
	in := queue.in

	for {
		if pending.Len() == 0 {
			if in == nil {
				return
			}
			select {
			case item, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				heap.Push(pending, item)
			case <-w.workerContext.Done():
				w.dropPending(pending, in, queue.direction, logPrefix)
				return
			}
		}

		// pick up everything already queued before deciding what is due next
		opportunistic := true
		for in != nil && opportunistic {
			select {
			case item, ok := <-in:
				if !ok {
					in = nil
				} else {
					heap.Push(pending, item)
				}
			default:
				opportunistic = false
			}
		}

		next := (*pending)[0]
		if delay := time.Until(next.releaseAt); delay > 0 {
			timer := time.NewTimer(delay)
			if in != nil {
				select {
				case <-timer.C:
				case item, ok := <-in:
					timer.Stop()
					if !ok {
						in = nil
					} else {
						heap.Push(pending, item)
					}
				case <-w.workerContext.Done():
					timer.Stop()
					w.dropPending(pending, in, queue.direction, logPrefix)
					return
				}
			} else {
				select {
				case <-timer.C:
				case <-w.workerContext.Done():
					timer.Stop()
					w.dropPending(pending, in, queue.direction, logPrefix)
					return
				}
			}
			continue
		}

		item := heap.Pop(pending).(*scheduledFrame)

		if item.closeAfter {
			log.Debugf("[%v] Closing write half of worker %v after scheduled close", logPrefix, w.id)
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.CloseWrite()
			}
			w.dropPending(pending, in, queue.direction, logPrefix)
			return
		}

		if err := item.frame.WriteTo(conn); err != nil {
			if w.workerContext.Err() == nil {
				log.Errorf("[%v] Fatal write error on worker %v: %v", logPrefix, w.id, err)
				w.interceptorMetrics.ConnectionErrors.Add(1)
				w.feedback.publish(w.workerContext, Event{
					WorkerId:  w.id,
					Direction: queue.direction,
					Kind:      EventConnectionError,
					RuleIndex: -1,
					Err:       err,
					Timestamp: time.Now(),
				})
				w.workerCancelFn()
			}
			w.dropPending(pending, in, queue.direction, logPrefix)
			return
		}

		w.interceptorMetrics.ScheduledWriteLag.Track(item.releaseAt)
		log.Tracef("[%v] Wrote %v", logPrefix, item.frame)
	}
}

// dropPending discards whatever is still scheduled on this side, both heap
// entries and anything that arrives until the queue input is closed, and
// publishes a dropped-frame event for each discarded frame.
func (w *ConnectionWorker) dropPending(pending *frameHeap, in chan *scheduledFrame, direction Direction, logPrefix string) {
	dropOne := func(item *scheduledFrame) {
		if item.closeAfter {
			return
		}
		log.Debugf("[%v] Dropping undelivered scheduled frame %v on worker %v", logPrefix, item.frame, w.id)
		w.interceptorMetrics.FramesUndelivered.Add(1)
		w.feedback.publish(w.workerContext, Event{
			WorkerId:  w.id,
			Direction: direction,
			Kind:      EventFrameDropped,
			RuleIndex: -1,
			Frame:     item.frame,
			Timestamp: time.Now(),
		})
	}

	for pending.Len() > 0 {
		dropOne(heap.Pop(pending).(*scheduledFrame))
	}

	for in != nil {
		item, ok := <-in
		if !ok {
			return
		}
		dropOne(item)
	}
}
