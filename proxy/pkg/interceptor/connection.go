package interceptor

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/datastax/cql-interceptor/proxy/pkg/config"
)

// openNodeConnection dials the real node behind a proxied address. There is
// no retry and no queuing here: if the node is unreachable the accepted
// driver connection gets reset by the caller.
func openNodeConnection(conf *config.Config, realAddress string, ctx context.Context) (net.Conn, error) {
	timeout := time.Duration(conf.NodeConnectionTimeoutMs) * time.Millisecond
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debugf("[PROXY] Opening connection to node %v", realAddress)
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(connectCtx, "tcp", realAddress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connection error (%v) but shutdown requested: %w", err, ShutdownErr)
		}
		return nil, fmt.Errorf("%w: %v: %v", ErrConnectFailed, realAddress, err)
	}

	log.Debugf("[PROXY] Successfully established connection with %v", conn.RemoteAddr())
	return conn, nil
}

// resetDriverConnection force-closes an accepted driver socket with a TCP RST
// instead of an orderly FIN, signalling that the connection never became
// functional.
func resetDriverConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}
	if err := conn.Close(); err != nil {
		log.Warnf("[PROXY] Error received while resetting driver connection %v: %v", conn.RemoteAddr(), err)
	}
}
