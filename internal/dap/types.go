package dap

import (
	"encoding/json"
)

// Wire-level message envelopes. The JSON shapes are the Debug Adapter
// Protocol's own; this package adopts them as given.

// ProtocolMessage is the base of every DAP message.
type ProtocolMessage struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"` // "request", "response", "event"
}

// Request is an outgoing DAP request.
type Request struct {
	ProtocolMessage
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response is a DAP response correlated to a request by RequestSeq.
type Response struct {
	ProtocolMessage
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Command    string          `json:"command"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Event is an adapter-pushed DAP event.
type Event struct {
	ProtocolMessage
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// Event names pushed by adapters that the engine consumes.
const (
	EventInitialized  = "initialized"
	EventStopped      = "stopped"
	EventContinued    = "continued"
	EventExited       = "exited"
	EventTerminated   = "terminated"
	EventThread       = "thread"
	EventOutput       = "output"
	EventBreakpoint   = "breakpoint"
	EventLoadedSource = "loadedSource"
)

// Capabilities describes what the adapter supports. Only the capabilities
// the engine consults are modeled; unknown fields are ignored on decode.
type Capabilities struct {
	SupportsConfigurationDoneRequest  bool `json:"supportsConfigurationDoneRequest,omitempty"`
	SupportsConditionalBreakpoints    bool `json:"supportsConditionalBreakpoints,omitempty"`
	SupportsHitConditionalBreakpoints bool `json:"supportsHitConditionalBreakpoints,omitempty"`
	SupportsLogPoints                 bool `json:"supportsLogPoints,omitempty"`
	SupportsLoadedSourcesRequest      bool `json:"supportsLoadedSourcesRequest,omitempty"`
	SupportsEvaluateForHovers         bool `json:"supportsEvaluateForHovers,omitempty"`
	SupportsTerminateRequest          bool `json:"supportsTerminateRequest,omitempty"`
	SupportTerminateDebuggee          bool `json:"supportTerminateDebuggee,omitempty"`
	SupportsDelayedStackTraceLoading  bool `json:"supportsDelayedStackTraceLoading,omitempty"`
	SupportsSetVariable               bool `json:"supportsSetVariable,omitempty"`
}

// InitializeRequestArguments are the arguments for initialize.
type InitializeRequestArguments struct {
	ClientID        string `json:"clientID,omitempty"`
	ClientName      string `json:"clientName,omitempty"`
	AdapterID       string `json:"adapterID"`
	Locale          string `json:"locale,omitempty"`
	LinesStartAt1   bool   `json:"linesStartAt1,omitempty"`
	ColumnsStartAt1 bool   `json:"columnsStartAt1,omitempty"`
	PathFormat      string `json:"pathFormat,omitempty"`
}

// Source identifies a source file or a virtual source. A Source with a Path
// is file-backed; one with only a SourceReference must be fetched through
// the source request.
type Source struct {
	Name             string   `json:"name,omitempty"`
	Path             string   `json:"path,omitempty"`
	SourceReference  int      `json:"sourceReference,omitempty"`
	PresentationHint string   `json:"presentationHint,omitempty"`
	Origin           string   `json:"origin,omitempty"`
	Sources          []Source `json:"sources,omitempty"`
}

// SourceBreakpoint is one requested breakpoint location in setBreakpoints.
type SourceBreakpoint struct {
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
}

// Breakpoint is the adapter's view of a requested breakpoint, carrying the
// verified location it actually bound to.
type Breakpoint struct {
	ID        int     `json:"id,omitempty"`
	Verified  bool    `json:"verified"`
	Message   string  `json:"message,omitempty"`
	Source    *Source `json:"source,omitempty"`
	Line      int     `json:"line,omitempty"`
	Column    int     `json:"column,omitempty"`
	EndLine   int     `json:"endLine,omitempty"`
	EndColumn int     `json:"endColumn,omitempty"`
}

// SetBreakpointsArguments are the arguments for setBreakpoints. The request
// replaces all breakpoints previously set in the given source.
type SetBreakpointsArguments struct {
	Source         Source             `json:"source"`
	Breakpoints    []SourceBreakpoint `json:"breakpoints,omitempty"`
	SourceModified bool               `json:"sourceModified,omitempty"`
}

// SetBreakpointsResponseBody is the response body for setBreakpoints.
type SetBreakpointsResponseBody struct {
	Breakpoints []Breakpoint `json:"breakpoints"`
}

// Thread is an adapter-reported thread.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ThreadsResponseBody is the response body for threads.
type ThreadsResponseBody struct {
	Threads []Thread `json:"threads"`
}

// ContinueArguments are the arguments for continue.
type ContinueArguments struct {
	ThreadID     int  `json:"threadId"`
	SingleThread bool `json:"singleThread,omitempty"`
}

// ContinueResponseBody is the response body for continue.
type ContinueResponseBody struct {
	AllThreadsContinued bool `json:"allThreadsContinued,omitempty"`
}

// NextArguments are the arguments for next (step over).
type NextArguments struct {
	ThreadID    int    `json:"threadId"`
	Granularity string `json:"granularity,omitempty"`
}

// StepInArguments are the arguments for stepIn.
type StepInArguments struct {
	ThreadID    int    `json:"threadId"`
	TargetID    int    `json:"targetId,omitempty"`
	Granularity string `json:"granularity,omitempty"`
}

// StepOutArguments are the arguments for stepOut.
type StepOutArguments struct {
	ThreadID    int    `json:"threadId"`
	Granularity string `json:"granularity,omitempty"`
}

// PauseArguments are the arguments for pause.
type PauseArguments struct {
	ThreadID int `json:"threadId"`
}

// StackTraceArguments are the arguments for stackTrace.
type StackTraceArguments struct {
	ThreadID   int `json:"threadId"`
	StartFrame int `json:"startFrame,omitempty"`
	Levels     int `json:"levels,omitempty"`
}

// StackFrame is one frame of a stackTrace response.
type StackFrame struct {
	ID               int     `json:"id"`
	Name             string  `json:"name"`
	Source           *Source `json:"source,omitempty"`
	Line             int     `json:"line"`
	Column           int     `json:"column"`
	EndLine          int     `json:"endLine,omitempty"`
	EndColumn        int     `json:"endColumn,omitempty"`
	PresentationHint string  `json:"presentationHint,omitempty"`
}

// StackTraceResponseBody is the response body for stackTrace.
type StackTraceResponseBody struct {
	StackFrames []StackFrame `json:"stackFrames"`
	TotalFrames int          `json:"totalFrames,omitempty"`
}

// ScopesArguments are the arguments for scopes.
type ScopesArguments struct {
	FrameID int `json:"frameId"`
}

// Scope is one variable scope of a frame.
type Scope struct {
	Name               string  `json:"name"`
	PresentationHint   string  `json:"presentationHint,omitempty"`
	VariablesReference int     `json:"variablesReference"`
	NamedVariables     int     `json:"namedVariables,omitempty"`
	IndexedVariables   int     `json:"indexedVariables,omitempty"`
	Expensive          bool    `json:"expensive"`
	Source             *Source `json:"source,omitempty"`
	Line               int     `json:"line,omitempty"`
}

// ScopesResponseBody is the response body for scopes.
type ScopesResponseBody struct {
	Scopes []Scope `json:"scopes"`
}

// VariablesArguments are the arguments for variables.
type VariablesArguments struct {
	VariablesReference int    `json:"variablesReference"`
	Filter             string `json:"filter,omitempty"`
	Start              int    `json:"start,omitempty"`
	Count              int    `json:"count,omitempty"`
}

// Variable is one adapter-reported variable. A non-zero VariablesReference
// means the variable has children reachable through another variables
// request; reference ids may repeat or cycle in object graphs.
type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	EvaluateName       string `json:"evaluateName,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	NamedVariables     int    `json:"namedVariables,omitempty"`
	IndexedVariables   int    `json:"indexedVariables,omitempty"`
}

// VariablesResponseBody is the response body for variables.
type VariablesResponseBody struct {
	Variables []Variable `json:"variables"`
}

// EvaluateArguments are the arguments for evaluate.
type EvaluateArguments struct {
	Expression string `json:"expression"`
	FrameID    int    `json:"frameId,omitempty"`
	Context    string `json:"context,omitempty"` // "watch", "repl", "hover"
}

// EvaluateResponseBody is the response body for evaluate.
type EvaluateResponseBody struct {
	Result             string `json:"result"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	NamedVariables     int    `json:"namedVariables,omitempty"`
	IndexedVariables   int    `json:"indexedVariables,omitempty"`
}

// SourceArguments are the arguments for the source request, used to fetch
// the content of a virtual (reference-only) source.
type SourceArguments struct {
	Source          *Source `json:"source,omitempty"`
	SourceReference int     `json:"sourceReference"`
}

// SourceResponseBody is the response body for source.
type SourceResponseBody struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType,omitempty"`
}

// LoadedSourcesResponseBody is the response body for loadedSources.
type LoadedSourcesResponseBody struct {
	Sources []Source `json:"sources"`
}

// DisconnectArguments are the arguments for disconnect.
type DisconnectArguments struct {
	Restart           bool `json:"restart,omitempty"`
	TerminateDebuggee bool `json:"terminateDebuggee,omitempty"`
}

// TerminateArguments are the arguments for terminate.
type TerminateArguments struct {
	Restart bool `json:"restart,omitempty"`
}

// Event bodies.

// StoppedEventBody is the body of the stopped event.
type StoppedEventBody struct {
	Reason            string `json:"reason"` // "step", "breakpoint", "exception", "pause", "entry", ...
	Description       string `json:"description,omitempty"`
	ThreadID          int    `json:"threadId,omitempty"`
	Text              string `json:"text,omitempty"`
	AllThreadsStopped bool   `json:"allThreadsStopped,omitempty"`
	HitBreakpointIDs  []int  `json:"hitBreakpointIds,omitempty"`
}

// ContinuedEventBody is the body of the continued event.
type ContinuedEventBody struct {
	ThreadID            int  `json:"threadId"`
	AllThreadsContinued bool `json:"allThreadsContinued,omitempty"`
}

// ExitedEventBody is the body of the exited event.
type ExitedEventBody struct {
	ExitCode int `json:"exitCode"`
}

// TerminatedEventBody is the body of the terminated event.
type TerminatedEventBody struct {
	Restart json.RawMessage `json:"restart,omitempty"`
}

// ThreadEventBody is the body of the thread event.
type ThreadEventBody struct {
	Reason   string `json:"reason"` // "started", "exited"
	ThreadID int    `json:"threadId"`
}

// OutputEventBody is the body of the output event.
type OutputEventBody struct {
	Category string  `json:"category,omitempty"` // "console", "stdout", "stderr", ...
	Output   string  `json:"output"`
	Source   *Source `json:"source,omitempty"`
	Line     int     `json:"line,omitempty"`
}

// BreakpointEventBody is the body of the breakpoint event.
type BreakpointEventBody struct {
	Reason     string     `json:"reason"` // "changed", "new", "removed"
	Breakpoint Breakpoint `json:"breakpoint"`
}

// LoadedSourceEventBody is the body of the loadedSource event.
type LoadedSourceEventBody struct {
	Reason string `json:"reason"` // "new", "changed", "removed"
	Source Source `json:"source"`
}
