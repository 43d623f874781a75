package interceptor

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/require"

	"github.com/datastax/cql-interceptor/proxy/pkg/config"
	"github.com/datastax/cql-interceptor/proxy/pkg/metrics/noopmetrics"
)

func newTestConfig(nodeAddress string) *config.Config {
	return &config.Config{
		ProxyTopology:           nodeAddress + "=127.0.0.1:0",
		NodeConnectionTimeoutMs: 5000,
		ReadBufferSizeBytes:     16384,
		WriteQueueSizeFrames:    16,
		FeedbackPolicy:          "block",
		FeedbackQueueSizeEvents: 64,
		ConnectionSetupWorkers:  2,
	}
}

// fakeNode is an in-process stand-in for a real database node: it records
// every frame it receives and can answer through a scripted reply function.
type fakeNode struct {
	t        *testing.T
	listener net.Listener

	// replyFn, when set, produces the frame to send back for each received
	// frame; a nil return means no reply.
	replyFn func(f *Frame) *Frame

	lock     sync.Mutex
	received []*Frame

	wg        sync.WaitGroup
	conns     []net.Conn
	closeOnce sync.Once
}

func startFakeNode(t *testing.T, replyFn func(f *Frame) *Frame) *fakeNode {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)

	node := &fakeNode{t: t, listener: listener, replyFn: replyFn}
	node.wg.Add(1)
	go node.acceptLoop()
	t.Cleanup(node.Close)
	return node
}

func (n *fakeNode) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		n.lock.Lock()
		n.conns = append(n.conns, conn)
		n.lock.Unlock()

		n.wg.Add(1)
		go n.serve(conn)
	}
}

func (n *fakeNode) serve(conn net.Conn) {
	defer n.wg.Done()
	reader := bufio.NewReader(conn)
	for {
		f, err := ReadFrame(reader)
		if err != nil {
			return
		}

		n.lock.Lock()
		n.received = append(n.received, f)
		n.lock.Unlock()

		if n.replyFn != nil {
			if reply := n.replyFn(f); reply != nil {
				if err := reply.WriteTo(conn); err != nil {
					return
				}
			}
		}
	}
}

func (n *fakeNode) Addr() string {
	return n.listener.Addr().String()
}

func (n *fakeNode) Received() []*Frame {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]*Frame, len(n.received))
	copy(out, n.received)
	return out
}

func (n *fakeNode) Close() {
	n.closeOnce.Do(func() {
		_ = n.listener.Close()
		n.lock.Lock()
		conns := n.conns
		n.lock.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
		n.wg.Wait()
	})
}

// startTestProxy builds and starts a proxy fronting one fake node, returning
// the proxy and the resolved address drivers should dial.
func startTestProxy(t *testing.T, nodeAddress string, requestRules RuleSet, responseRules RuleSet) (*InterceptorProxy, string) {
	conf := newTestConfig(nodeAddress)
	p, err := NewInterceptorProxy(conf, requestRules, responseRules, noopmetrics.NewNoopMetricFactory())
	require.Nil(t, err)
	require.Nil(t, p.Start(context.Background()))
	t.Cleanup(p.Shutdown)

	addresses := p.RunningNodes()
	require.Len(t, addresses, 1)
	return p, addresses[0]
}

// testDriver is a raw frame-level client connected through the proxy.
type testDriver struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func connectTestDriver(t *testing.T, proxyAddress string) *testDriver {
	conn, err := net.DialTimeout("tcp", proxyAddress, 5*time.Second)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &testDriver{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (d *testDriver) send(f *Frame) {
	require.Nil(d.t, f.WriteTo(d.conn))
}

func (d *testDriver) receive(timeout time.Duration) *Frame {
	require.Nil(d.t, d.conn.SetReadDeadline(time.Now().Add(timeout)))
	f, err := ReadFrame(d.reader)
	require.Nil(d.t, err)
	require.Nil(d.t, d.conn.SetReadDeadline(time.Time{}))
	return f
}

// expectEof asserts that the proxy closes the driver connection.
func (d *testDriver) expectEof(timeout time.Duration) {
	require.Nil(d.t, d.conn.SetReadDeadline(time.Now().Add(timeout)))
	_, err := ReadFrame(d.reader)
	require.NotNil(d.t, err)
	netErr, ok := err.(net.Error)
	require.False(d.t, ok && netErr.Timeout(), "expected EOF, got read timeout")
}

func (d *testDriver) close() {
	_ = d.conn.Close()
}

func startupFrame(streamId int16) *Frame {
	return NewFrame(0x04, 0, streamId, primitive.OpCodeStartup, []byte{})
}

func queryFrame(streamId int16, query string) *Frame {
	body := newLongStringBody(query)
	return NewFrame(0x04, 0, streamId, primitive.OpCodeQuery, body)
}

func optionsFrame(streamId int16) *Frame {
	return NewFrame(0x04, 0, streamId, primitive.OpCodeOptions, []byte{})
}

func readyFrame(streamId int16) *Frame {
	return NewFrame(0x84, 0, streamId, primitive.OpCodeReady, []byte{})
}

func newLongStringBody(s string) []byte {
	buf := &bytes.Buffer{}
	_ = primitive.WriteLongString(s, buf)
	return buf.Bytes()
}

// waitFor polls until the condition holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "timed out waiting for "+description)
}

// awaitEvent reads feedback events until one satisfies the predicate.
func awaitEvent(t *testing.T, events <-chan Event, timeout time.Duration, predicate func(Event) bool) Event {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				require.FailNow(t, "feedback channel closed while awaiting event")
				return Event{}
			}
			if predicate(ev) {
				return ev
			}
		case <-deadline:
			require.FailNow(t, "timed out awaiting feedback event")
			return Event{}
		}
	}
}
