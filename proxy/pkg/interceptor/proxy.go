package interceptor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/datastax/cql-interceptor/proxy/pkg/config"
	"github.com/datastax/cql-interceptor/proxy/pkg/metrics"
)

// SelectorAll targets every proxied node in a Reconfigure call.
const SelectorAll = "all"

// nodeBinding is one proxied node: the real address drivers think they are
// talking to, the local listener standing in for it, and the node's current
// rule snapshot. The snapshot pointer is the single atomic publication point
// for reconfiguration: workers Load it on every frame.
type nodeBinding struct {
	realAddress  string
	proxyAddress string
	listener     net.Listener
	rules        atomic.Pointer[RuleSnapshot]
}

// InterceptorProxy binds one TCP listener per proxied node, pairs every
// accepted driver connection with a fresh connection to the real node, and
// runs a ConnectionWorker per pair. It also carries the control surface used
// by test harnesses: RunningNodes, Reconfigure, SubscribeFeedback, Shutdown.
type InterceptorProxy struct {
	Conf *config.Config

	nodes       []*nodeBinding
	nodesByAddr map[string]*nodeBinding

	feedback           *FeedbackHub
	metricFactory      metrics.MetricFactory
	interceptorMetrics *metrics.InterceptorMetrics

	connectionScheduler *Scheduler

	workersLock sync.Mutex
	workers     map[uuid.UUID]*ConnectionWorker

	proxyContext context.Context
	cancelFn     context.CancelFunc

	acceptWg  sync.WaitGroup
	workersWg sync.WaitGroup

	started      bool
	shutdownOnce sync.Once
}

// NewInterceptorProxy validates the configuration and initial rule sets and
// prepares the node registry. Nothing is bound until Start.
func NewInterceptorProxy(
	conf *config.Config,
	requestRules RuleSet,
	responseRules RuleSet,
	metricFactory metrics.MetricFactory) (*InterceptorProxy, error) {

	topology, err := conf.ParseTopology()
	if err != nil {
		return nil, err
	}

	if err = requestRules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request rules: %w", err)
	}
	if err = responseRules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response rules: %w", err)
	}

	feedbackPolicy, err := ParseFeedbackPolicy(conf)
	if err != nil {
		return nil, err
	}

	interceptorMetrics, err := metrics.CreateInterceptorMetrics(metricFactory)
	if err != nil {
		return nil, err
	}

	snapshot := &RuleSnapshot{RequestRules: requestRules, ResponseRules: responseRules}
	nodes := make([]*nodeBinding, 0, len(topology))
	nodesByAddr := make(map[string]*nodeBinding, len(topology))
	for _, entry := range topology {
		node := &nodeBinding{
			realAddress:  entry.RealAddress,
			proxyAddress: entry.ProxyAddress,
		}
		node.rules.Store(snapshot)
		nodes = append(nodes, node)
		nodesByAddr[entry.ProxyAddress] = node
	}

	return &InterceptorProxy{
		Conf:               conf,
		nodes:              nodes,
		nodesByAddr:        nodesByAddr,
		feedback:           NewFeedbackHub(feedbackPolicy, conf.FeedbackQueueSizeEvents, interceptorMetrics),
		metricFactory:      metricFactory,
		interceptorMetrics: interceptorMetrics,
		workers:            make(map[uuid.UUID]*ConnectionWorker),
	}, nil
}

// Start binds every proxy address and begins accepting driver connections.
// A bind failure closes whatever was already bound and surfaces
// ErrListenFailed; nothing keeps running half-configured.
func (p *InterceptorProxy) Start(ctx context.Context) error {
	p.proxyContext, p.cancelFn = context.WithCancel(ctx)
	p.connectionScheduler = NewScheduler(p.Conf.ConnectionSetupWorkers)

	g, _ := errgroup.WithContext(p.proxyContext)
	for _, node := range p.nodes {
		node := node
		g.Go(func() error {
			listener, err := net.Listen("tcp", node.proxyAddress)
			if err != nil {
				return fmt.Errorf("%w: %v: %v", ErrListenFailed, node.proxyAddress, err)
			}
			node.listener = listener
			log.Infof("[PROXY] Listening on %v for node %v", listener.Addr(), node.realAddress)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, node := range p.nodes {
			if node.listener != nil {
				_ = node.listener.Close()
			}
		}
		p.connectionScheduler.Shutdown()
		p.cancelFn()
		return err
	}

	for _, node := range p.nodes {
		p.acceptWg.Add(1)
		go p.acceptLoop(node)
	}

	p.started = true
	return nil
}

func (p *InterceptorProxy) acceptLoop(node *nodeBinding) {
	defer p.acceptWg.Done()

	for {
		conn, err := node.listener.Accept()
		if err != nil {
			if p.proxyContext.Err() != nil {
				log.Debugf("[PROXY] Shutting down listener %v", node.listener.Addr())
			} else {
				log.Debugf("[PROXY] Listener %v closed: %v", node.listener.Addr(), err)
			}
			return
		}

		log.Debugf("[PROXY] Accepted driver connection from %v for node %v", conn.RemoteAddr(), node.realAddress)
		p.connectionScheduler.Schedule(func() {
			p.handleNewConnection(node, conn)
		})
	}
}

// handleNewConnection pairs the accepted driver socket with an outbound
// connection to the real node and hands both to a new worker. If the node is
// unreachable the driver socket is reset immediately; there is no queuing.
func (p *InterceptorProxy) handleNewConnection(node *nodeBinding, driverConnection net.Conn) {
	if p.proxyContext.Err() != nil {
		resetDriverConnection(driverConnection)
		return
	}

	nodeConnection, err := openNodeConnection(p.Conf, node.realAddress, p.proxyContext)
	if err != nil {
		log.Errorf("[PROXY] %v, resetting driver connection %v", err, driverConnection.RemoteAddr())
		p.interceptorMetrics.FailedNodeConnections.Add(1)
		resetDriverConnection(driverConnection)
		return
	}

	worker := NewConnectionWorker(
		p.Conf, node, driverConnection, nodeConnection,
		p.feedback, p.interceptorMetrics, p.proxyContext)

	p.workersLock.Lock()
	if p.proxyContext.Err() != nil {
		p.workersLock.Unlock()
		resetDriverConnection(driverConnection)
		_ = nodeConnection.Close()
		return
	}
	p.workers[worker.Id()] = worker
	p.workersLock.Unlock()

	p.workersWg.Add(1)
	worker.Start()
	go func() {
		defer p.workersWg.Done()
		<-worker.Done()
		p.workersLock.Lock()
		delete(p.workers, worker.Id())
		p.workersLock.Unlock()
	}()
}

// RunningNodes returns the bound proxy addresses, resolved: a configured
// port 0 shows up as the actual ephemeral port, so tests can discover where
// to point the driver.
func (p *InterceptorProxy) RunningNodes() []string {
	addresses := make([]string, 0, len(p.nodes))
	for _, node := range p.nodes {
		if node.listener != nil {
			addresses = append(addresses, node.listener.Addr().String())
		}
	}
	return addresses
}

// Reconfigure validates and atomically installs new rule sets on the selected
// node ("all" or one proxy address). Every worker of that node picks the new
// snapshot up on the next frame it processes; per-rule counters restart
// because the indexes refer to the new list. Calling it twice with the same
// rules is indistinguishable from calling it once.
func (p *InterceptorProxy) Reconfigure(selector string, requestRules RuleSet, responseRules RuleSet) error {
	if err := requestRules.Validate(); err != nil {
		return fmt.Errorf("invalid request rules: %w", err)
	}
	if err := responseRules.Validate(); err != nil {
		return fmt.Errorf("invalid response rules: %w", err)
	}

	snapshot := &RuleSnapshot{RequestRules: requestRules, ResponseRules: responseRules}

	if selector == SelectorAll {
		for _, node := range p.nodes {
			node.rules.Store(snapshot)
		}
		log.Infof("[PROXY] Installed %d request / %d response rules on all nodes",
			len(requestRules), len(responseRules))
		return nil
	}

	node, ok := p.nodesByAddr[selector]
	if !ok {
		// the selector may be a resolved ephemeral address from RunningNodes
		for _, candidate := range p.nodes {
			if candidate.listener != nil && candidate.listener.Addr().String() == selector {
				node = candidate
				ok = true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("unknown proxy address: %v", selector)
	}

	node.rules.Store(snapshot)
	log.Infof("[PROXY] Installed %d request / %d response rules on %v",
		len(requestRules), len(responseRules), selector)
	return nil
}

// SubscribeFeedback hands out a receiver endpoint of the feedback channel.
// The channel is closed on Shutdown.
func (p *InterceptorProxy) SubscribeFeedback() <-chan Event {
	return p.feedback.Subscribe()
}

// OpenWorkerCount is used by the readiness endpoint.
func (p *InterceptorProxy) OpenWorkerCount() int {
	p.workersLock.Lock()
	defer p.workersLock.Unlock()
	return len(p.workers)
}

// IsRunning reports whether Start succeeded and Shutdown has not completed.
func (p *InterceptorProxy) IsRunning() bool {
	if !p.started {
		return false
	}
	return p.proxyContext.Err() == nil
}

// Shutdown stops accepting, asks every worker to drain, and waits until all
// of them have closed. Safe to call more than once.
func (p *InterceptorProxy) Shutdown() {
	p.shutdownOnce.Do(func() {
		if !p.started {
			p.feedback.Close()
			return
		}
		log.Info("[PROXY] Initiating proxy shutdown")

		for _, node := range p.nodes {
			if node.listener != nil {
				_ = node.listener.Close()
			}
		}
		p.acceptWg.Wait()
		p.connectionScheduler.Shutdown()

		p.workersLock.Lock()
		workers := make([]*ConnectionWorker, 0, len(p.workers))
		for _, worker := range p.workers {
			workers = append(workers, worker)
		}
		p.workersLock.Unlock()

		for _, worker := range workers {
			worker.BeginDraining("proxy shutdown")
		}
		p.workersWg.Wait()

		p.cancelFn()
		p.feedback.Close()
		if err := p.metricFactory.UnregisterAllMetrics(); err != nil {
			log.Warnf("[PROXY] Failed to unregister metrics: %v", err)
		}
		log.Info("[PROXY] Proxy shutdown complete")
	})
}

// Run builds a proxy from the configuration with empty rule sets and starts
// it once.
func Run(conf *config.Config, ctx context.Context, metricFactory metrics.MetricFactory) (*InterceptorProxy, error) {
	p, err := NewInterceptorProxy(conf, nil, nil, metricFactory)
	if err != nil {
		return nil, err
	}
	if err = p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// RunWithRetries keeps retrying startup with exponential backoff until it
// succeeds or the context is cancelled. Useful when the proxy races its own
// deployment for the listen ports.
func RunWithRetries(conf *config.Config, ctx context.Context, b *backoff.Backoff, metricFactory metrics.MetricFactory) (*InterceptorProxy, error) {
	log.Info("Attempting to start the proxy...")
	for {
		p, err := Run(conf, ctx, metricFactory)
		if err == nil {
			return p, nil
		}

		nextDuration := b.Duration()
		log.Errorf("Couldn't start proxy: %v, retrying in %v...", err, nextDuration)
		timer := time.NewTimer(nextDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Shutdown requested, aborting proxy startup...")
			return nil, ShutdownErr
		case <-timer.C:
		}
	}
}
