package debug

// Event names emitted by the engine's Hookables. Consumers normally use the
// typed On* helpers instead of these directly.
const (
	// Engine events.
	EventSession = "session" // a new Session was created

	// Session events.
	EventInitialized   = "initialized"   // capabilities handshake done, configuration sent
	EventTerminated    = "terminated"    // the debuggee ended
	EventExited        = "exited"        // the adapter connection ended
	EventThread        = "thread"        // a Thread appeared or vanished
	EventSourceLoaded  = "sourceLoaded"  // a Source was discovered
	EventSourceChanged = "sourceChanged" // a discovered Source changed on disk or in the adapter
	EventOutput        = "output"        // debuggee/adapter output
	EventBinding       = "binding"       // a Binding was created in this session
	EventBindingHit    = "bindingHit"    // a Binding in this session was hit

	// Thread events.
	EventStopped   = "stopped"
	EventResumed   = "resumed"
	EventContinued = "continued"

	// Stack events.
	EventInvalidated = "invalidated"

	// Manager/Breakpoint/Binding events.
	EventBreakpoint = "breakpoint" // manager: a Breakpoint was added
	EventRemoved    = "removed"    // breakpoint: it was removed from the manager
	EventBindFailed = "bindFailed" // breakpoint: an adapter rejected a bind attempt
	EventHit        = "hit"        // binding/breakpoint: the debuggee stopped here
	EventUnbound    = "unbound"    // binding: it was torn down
)
