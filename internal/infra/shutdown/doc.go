// Package shutdown runs a node's cleanup hooks when the process is asked
// to stop.
//
// Usage:
//
//	h := shutdown.NewHandler(30*time.Second, logger)
//	h.OnShutdown("network", srv.Shutdown)
//	err := h.Wait(ctx) // SIGINT, SIGTERM or ctx
package shutdown
