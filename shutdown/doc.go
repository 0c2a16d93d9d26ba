// Package shutdown stops the console's components in phases.
//
// Handlers are grouped by phase. Lower phases run first and handlers in
// one phase run concurrently. The console registers:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig(), shutdown.WithLogger(log))
//	coord.RegisterFunc("api", shutdown.PhaseIngress, server.Shutdown)
//	coord.RegisterFunc("operations", shutdown.PhaseOperations, func(context.Context) error {
//	    return fanout.Close()
//	})
//	coord.RegisterFunc("bus", shutdown.PhaseTransport, func(context.Context) error {
//	    return snapshots.Close()
//	})
//	coord.RegisterFunc("traces", shutdown.PhaseTelemetry, provider.Shutdown)
//	coord.HandleSignals()
//	<-coord.Done()
//
// A shutdown whose context ends between phases returns ErrTimeout. Failed
// handlers are reported in an error matching ErrHandlerFailed.
package shutdown
