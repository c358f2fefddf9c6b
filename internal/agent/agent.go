// Package agent wires the Connector, the Request Processor, and the
// spool purge loop together and owns their combined lifetime: connect,
// dispatch inbound requests, purge on a schedule, and shut down cleanly
// when its context is cancelled.
package agent

import (
	"context"
	"sync"

	"github.com/puppetlabs/pxp-agent/internal/action"
	"github.com/puppetlabs/pxp-agent/internal/connector"
	"github.com/puppetlabs/pxp-agent/internal/logging"
	"github.com/puppetlabs/pxp-agent/internal/processor"
)

// Agent owns the connect-and-monitor loop and registers the processor's
// two request callbacks on the Connector.
type Agent struct {
	conn connectorHandle
	proc *processor.Processor
}

// connectorHandle is the narrow slice of connector.Connector the agent
// needs directly (registration + the monitor loop); everything else
// flows through the processor's Adaptor.
type connectorHandle interface {
	ConnectAndMonitor(ctx context.Context) error
	RegisterBlockingRequestCallback(cb connector.RequestCallback)
	RegisterNonBlockingRequestCallback(cb connector.RequestCallback)
}

// New returns an Agent over conn and proc. It registers proc.ProcessRequest
// for both blocking and non-blocking inbound message types.
func New(conn connectorHandle, proc *processor.Processor) *Agent {
	a := &Agent{conn: conn, proc: proc}
	conn.RegisterBlockingRequestCallback(func(env connector.Envelope) {
		proc.ProcessRequest(action.Blocking, env)
	})
	conn.RegisterNonBlockingRequestCallback(func(env connector.Envelope) {
		proc.ProcessRequest(action.NonBlocking, env)
	})
	return a
}

// Run starts the Connector's monitor loop and the processor's purge loop
// concurrently, and blocks until ctx is cancelled. On return it closes
// the processor, joining any in-flight non-blocking workers.
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	var connErr error
	go func() {
		defer wg.Done()
		connErr = a.conn.ConnectAndMonitor(ctx)
	}()
	go func() {
		defer wg.Done()
		a.proc.RunPurgeLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	a.proc.Close()

	if connErr != nil && ctx.Err() == nil {
		logging.Op().Error("connector exited unexpectedly", "error", connErr)
		return connErr
	}
	return nil
}
