package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/dapper/internal/logger"
)

// ErrTransportClosed is returned by in-flight requests when the transport
// disconnects before their response arrives. A request never hangs on a dead
// connection.
var ErrTransportClosed = errors.New("dap: transport closed")

// AdapterError is a well-formed error response from the adapter. It is
// distinct from a transport failure: the connection is healthy, the adapter
// rejected the request.
type AdapterError struct {
	Command string
	Message string
}

func (e *AdapterError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dap: %s rejected by adapter", e.Command)
	}
	return fmt.Sprintf("dap: %s rejected by adapter: %s", e.Command, e.Message)
}

// EventHandler receives adapter-pushed events of one named type.
type EventHandler func(Event)

// DisconnectHandler is invoked once when the transport disconnects, with
// the receive error that ended the connection.
type DisconnectHandler func(error)

// Client correlates DAP requests with responses by sequence number and
// routes adapter events to registered handlers. One Client wraps exactly one
// adapter connection; events are delivered in the order the transport
// received them, on the receive-loop goroutine.
type Client struct {
	transport Transport
	seq       atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]*pendingRequest

	handlerMu     sync.RWMutex
	eventHandlers map[string][]EventHandler
	onDisconnect  []DisconnectHandler

	done      chan struct{}
	closeOnce sync.Once

	errMu sync.RWMutex
	err   error
}

type pendingRequest struct {
	done      chan struct{}
	closeOnce sync.Once
	response  *Response
	err       error
}

func (p *pendingRequest) resolve() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// NewClient starts a client on the given transport. The receive loop runs
// until the transport closes or errors.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport:     transport,
		pending:       make(map[int]*pendingRequest),
		eventHandlers: make(map[string][]EventHandler),
		done:          make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close shuts the client down and closes the underlying transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.transport.Close()
}

// Err returns the receive error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// OnEvent registers a handler for the named adapter event. Multiple
// handlers may be registered for the same event; they run in registration
// order on the receive goroutine.
func (c *Client) OnEvent(event string, fn EventHandler) {
	if fn == nil {
		return
	}
	c.handlerMu.Lock()
	c.eventHandlers[event] = append(c.eventHandlers[event], fn)
	c.handlerMu.Unlock()
}

// OnDisconnect registers a handler invoked when the transport disconnects.
func (c *Client) OnDisconnect(fn DisconnectHandler) {
	if fn == nil {
		return
	}
	c.handlerMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.handlerMu.Unlock()
}

func (c *Client) receiveLoop() {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.done:
				err = ErrTransportClosed
			default:
			}
			c.disconnected(err)
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		c.handleMessage(msg)
	}
}

// disconnected fails every pending request and notifies disconnect handlers.
func (c *Client) disconnected(cause error) {
	c.errMu.Lock()
	c.err = cause
	c.errMu.Unlock()

	failure := fmt.Errorf("%w: %v", ErrTransportClosed, cause)
	if errors.Is(cause, ErrTransportClosed) {
		failure = cause
	}

	c.pendingMu.Lock()
	for _, req := range c.pending {
		req.err = failure
		req.resolve()
	}
	c.pending = make(map[int]*pendingRequest)
	c.pendingMu.Unlock()

	c.handlerMu.RLock()
	handlers := append([]DisconnectHandler(nil), c.onDisconnect...)
	c.handlerMu.RUnlock()

	for _, fn := range handlers {
		fn(cause)
	}
}

func (c *Client) handleMessage(msg *Message) {
	var base ProtocolMessage
	if err := json.Unmarshal(msg.Content, &base); err != nil {
		logger.Debug().Err(err).Msg("dropping unparseable adapter message")
		return
	}

	switch base.Type {
	case "response":
		c.handleResponse(msg.Content)
	case "event":
		c.handleEvent(msg.Content)
	}
}

func (c *Client) handleResponse(content []byte) {
	var resp Response
	if err := json.Unmarshal(content, &resp); err != nil {
		logger.Debug().Err(err).Msg("dropping unparseable response")
		return
	}

	c.pendingMu.Lock()
	req, ok := c.pending[resp.RequestSeq]
	if ok {
		delete(c.pending, resp.RequestSeq)
	}
	c.pendingMu.Unlock()

	if !ok {
		// Not fatal: adapters occasionally answer cancelled or duplicate
		// sequence numbers.
		logger.Debug().
			Int("request_seq", resp.RequestSeq).
			Str("command", resp.Command).
			Msg("dropping response for unknown request")
		return
	}

	req.response = &resp
	req.resolve()
}

func (c *Client) handleEvent(content []byte) {
	var evt Event
	if err := json.Unmarshal(content, &evt); err != nil {
		logger.Debug().Err(err).Msg("dropping unparseable event")
		return
	}

	c.handlerMu.RLock()
	handlers := append([]EventHandler(nil), c.eventHandlers[evt.Event]...)
	c.handlerMu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// SendRequest sends a raw request and waits for its response or for the
// transport to close. A success=false response is returned as *AdapterError.
func (c *Client) SendRequest(ctx context.Context, command string, args any) (*Response, error) {
	seq := int(c.seq.Add(1))

	var argsJSON json.RawMessage
	if args != nil {
		var err error
		argsJSON, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s arguments: %w", command, err)
		}
	}

	content, err := json.Marshal(Request{
		ProtocolMessage: ProtocolMessage{Seq: seq, Type: "request"},
		Command:         command,
		Arguments:       argsJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", command, err)
	}

	pending := &pendingRequest{done: make(chan struct{})}

	c.pendingMu.Lock()
	c.pending[seq] = pending
	c.pendingMu.Unlock()

	if err := c.transport.Send(&Message{ContentLength: len(content), Content: content}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-pending.done:
		if pending.err != nil {
			return nil, pending.err
		}
		resp := pending.response
		if !resp.Success {
			return nil, &AdapterError{Command: command, Message: resp.Message}
		}
		return resp, nil
	}
}

// sendAndDecode sends a request and unmarshals the response body into out.
// Pass nil out for requests whose body is not needed.
func (c *Client) sendAndDecode(ctx context.Context, command string, args any, out any) error {
	resp, err := c.SendRequest(ctx, command, args)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", command, err)
	}
	return nil
}

// Initialize performs the capabilities handshake.
func (c *Client) Initialize(ctx context.Context, args InitializeRequestArguments) (*Capabilities, error) {
	var caps Capabilities
	if err := c.sendAndDecode(ctx, "initialize", args, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// ConfigurationDone tells the adapter configuration is complete.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	return c.sendAndDecode(ctx, "configurationDone", nil, nil)
}

// Launch starts the debuggee. The argument shape is adapter-specific.
func (c *Client) Launch(ctx context.Context, args any) error {
	return c.sendAndDecode(ctx, "launch", args, nil)
}

// Attach attaches to a running debuggee. The argument shape is adapter-specific.
func (c *Client) Attach(ctx context.Context, args any) error {
	return c.sendAndDecode(ctx, "attach", args, nil)
}

// Disconnect ends the session with the adapter.
func (c *Client) Disconnect(ctx context.Context, args DisconnectArguments) error {
	return c.sendAndDecode(ctx, "disconnect", args, nil)
}

// Terminate asks the adapter to terminate the debuggee.
func (c *Client) Terminate(ctx context.Context, args TerminateArguments) error {
	return c.sendAndDecode(ctx, "terminate", args, nil)
}

// SetBreakpoints replaces all breakpoints in one source.
func (c *Client) SetBreakpoints(ctx context.Context, args SetBreakpointsArguments) ([]Breakpoint, error) {
	var body SetBreakpointsResponseBody
	if err := c.sendAndDecode(ctx, "setBreakpoints", args, &body); err != nil {
		return nil, err
	}
	return body.Breakpoints, nil
}

// Continue resumes execution of a thread.
func (c *Client) Continue(ctx context.Context, args ContinueArguments) (*ContinueResponseBody, error) {
	var body ContinueResponseBody
	if err := c.sendAndDecode(ctx, "continue", args, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Next steps over.
func (c *Client) Next(ctx context.Context, args NextArguments) error {
	return c.sendAndDecode(ctx, "next", args, nil)
}

// StepIn steps into.
func (c *Client) StepIn(ctx context.Context, args StepInArguments) error {
	return c.sendAndDecode(ctx, "stepIn", args, nil)
}

// StepOut steps out.
func (c *Client) StepOut(ctx context.Context, args StepOutArguments) error {
	return c.sendAndDecode(ctx, "stepOut", args, nil)
}

// Pause requests a thread stop.
func (c *Client) Pause(ctx context.Context, args PauseArguments) error {
	return c.sendAndDecode(ctx, "pause", args, nil)
}

// Threads fetches the current thread list.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	var body ThreadsResponseBody
	if err := c.sendAndDecode(ctx, "threads", nil, &body); err != nil {
		return nil, err
	}
	return body.Threads, nil
}

// StackTrace fetches frames for a stopped thread.
func (c *Client) StackTrace(ctx context.Context, args StackTraceArguments) (*StackTraceResponseBody, error) {
	var body StackTraceResponseBody
	if err := c.sendAndDecode(ctx, "stackTrace", args, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Scopes fetches the variable scopes of a frame.
func (c *Client) Scopes(ctx context.Context, args ScopesArguments) ([]Scope, error) {
	var body ScopesResponseBody
	if err := c.sendAndDecode(ctx, "scopes", args, &body); err != nil {
		return nil, err
	}
	return body.Scopes, nil
}

// Variables fetches the children of a variables reference.
func (c *Client) Variables(ctx context.Context, args VariablesArguments) ([]Variable, error) {
	var body VariablesResponseBody
	if err := c.sendAndDecode(ctx, "variables", args, &body); err != nil {
		return nil, err
	}
	return body.Variables, nil
}

// Evaluate evaluates an expression in a frame context.
func (c *Client) Evaluate(ctx context.Context, args EvaluateArguments) (*EvaluateResponseBody, error) {
	var body EvaluateResponseBody
	if err := c.sendAndDecode(ctx, "evaluate", args, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// SourceContent fetches the content of a virtual source.
func (c *Client) SourceContent(ctx context.Context, args SourceArguments) (*SourceResponseBody, error) {
	var body SourceResponseBody
	if err := c.sendAndDecode(ctx, "source", args, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// LoadedSources fetches the adapter's current source list.
func (c *Client) LoadedSources(ctx context.Context) ([]Source, error) {
	var body LoadedSourcesResponseBody
	if err := c.sendAndDecode(ctx, "loadedSources", nil, &body); err != nil {
		return nil, err
	}
	return body.Sources, nil
}
