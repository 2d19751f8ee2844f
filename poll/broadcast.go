package poll

// ExecutionBroadcaster pushes execution state changes to the event stream.
// Declared here so the scheduler, pool, and lifecycle can notify the
// server's WebSocket hub without depending on the server package.
type ExecutionBroadcaster interface {
	BroadcastExecutionUpdate(ex *Execution)
}
