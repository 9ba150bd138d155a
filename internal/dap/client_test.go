package dap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu        sync.Mutex
	sendQueue []*Message
	recvChan  chan *Message
	closed    bool
	sendErr   error
	onSend    func(*Message)
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		recvChan: make(chan *Message, 16),
	}
}

func (t *mockTransport) Send(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return io.ErrClosedPipe
	}
	if t.sendErr != nil {
		return t.sendErr
	}

	t.sendQueue = append(t.sendQueue, msg)
	if t.onSend != nil {
		t.onSend(msg)
	}
	return nil
}

func (t *mockTransport) Receive() (*Message, error) {
	msg, ok := <-t.recvChan
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.recvChan)
	}
	return nil
}

func (t *mockTransport) push(content []byte) {
	t.recvChan <- &Message{ContentLength: len(content), Content: content}
}

func (t *mockTransport) pushEvent(event string, body any) {
	bodyJSON, _ := json.Marshal(body)
	content, _ := json.Marshal(Event{
		ProtocolMessage: ProtocolMessage{Seq: 0, Type: "event"},
		Event:           event,
		Body:            bodyJSON,
	})
	t.push(content)
}

// respondSuccess wires an auto-responder that answers every request with a
// successful response carrying the given body.
func (t *mockTransport) respondSuccess(body any) {
	t.onSend = func(msg *Message) {
		var req Request
		json.Unmarshal(msg.Content, &req)

		bodyJSON, _ := json.Marshal(body)
		content, _ := json.Marshal(Response{
			ProtocolMessage: ProtocolMessage{Seq: 1, Type: "response"},
			RequestSeq:      req.Seq,
			Success:         true,
			Command:         req.Command,
			Body:            bodyJSON,
		})
		go t.push(content)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientCorrelatesResponseBySeq(t *testing.T) {
	mt := newMockTransport()
	mt.respondSuccess(map[string]any{})

	client := NewClient(mt)
	defer client.Close()

	if err := client.ConfigurationDone(testCtx(t)); err != nil {
		t.Fatalf("configurationDone: %v", err)
	}

	mt.mu.Lock()
	sent := len(mt.sendQueue)
	var req Request
	json.Unmarshal(mt.sendQueue[0].Content, &req)
	mt.mu.Unlock()

	if sent != 1 {
		t.Fatalf("expected 1 sent message, got %d", sent)
	}
	if req.Command != "configurationDone" {
		t.Errorf("expected command configurationDone, got %s", req.Command)
	}
}

func TestClientAdapterErrorResponse(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(msg *Message) {
		var req Request
		json.Unmarshal(msg.Content, &req)

		content, _ := json.Marshal(Response{
			ProtocolMessage: ProtocolMessage{Seq: 1, Type: "response"},
			RequestSeq:      req.Seq,
			Success:         false,
			Command:         req.Command,
			Message:         "unable to set breakpoint",
		})
		go mt.push(content)
	}

	client := NewClient(mt)
	defer client.Close()

	_, err := client.SetBreakpoints(testCtx(t), SetBreakpointsArguments{
		Source:      Source{Path: "/a.py"},
		Breakpoints: []SourceBreakpoint{{Line: 3}},
	})

	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("expected *AdapterError, got %v", err)
	}
	if adapterErr.Command != "setBreakpoints" {
		t.Errorf("expected command setBreakpoints, got %s", adapterErr.Command)
	}
}

func TestClientPendingRequestFailsOnDisconnect(t *testing.T) {
	mt := newMockTransport()
	// No responder: the request stays pending until the transport dies.

	client := NewClient(mt)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Threads(context.Background())
		errCh <- err
	}()

	// Give the request time to register as pending, then kill the transport.
	time.Sleep(20 * time.Millisecond)
	mt.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request hung after disconnect")
	}
}

func TestClientOnDisconnect(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)

	disconnected := make(chan error, 1)
	client.OnDisconnect(func(err error) {
		disconnected <- err
	})

	mt.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler never ran")
	}
}

func TestClientEventRouting(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	got := make(chan StoppedEventBody, 1)
	client.OnEvent(EventStopped, func(evt Event) {
		var body StoppedEventBody
		json.Unmarshal(evt.Body, &body)
		got <- body
	})

	mt.pushEvent(EventStopped, StoppedEventBody{Reason: "breakpoint", ThreadID: 7})

	select {
	case body := <-got:
		if body.Reason != "breakpoint" || body.ThreadID != 7 {
			t.Errorf("unexpected body: %+v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stopped event never delivered")
	}
}

func TestClientMultipleHandlersPerEvent(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{}, 2)
	client.OnEvent(EventOutput, func(Event) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
		done <- struct{}{}
	})
	client.OnEvent(EventOutput, func(Event) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
		done <- struct{}{}
	})

	mt.pushEvent(EventOutput, OutputEventBody{Output: "hi"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handlers did not all run")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("expected both handlers in order, got %v", calls)
	}
}

func TestClientDropsUnknownResponseSeq(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	// A response nobody asked for must not crash the receive loop.
	content, _ := json.Marshal(Response{
		ProtocolMessage: ProtocolMessage{Seq: 1, Type: "response"},
		RequestSeq:      999,
		Success:         true,
		Command:         "threads",
	})
	mt.push(content)

	// The loop should still deliver subsequent events.
	got := make(chan struct{}, 1)
	client.OnEvent(EventExited, func(Event) { got <- struct{}{} })
	mt.pushEvent(EventExited, ExitedEventBody{ExitCode: 0})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop stopped after unknown response")
	}
}

func TestClientInitializeDecodesCapabilities(t *testing.T) {
	mt := newMockTransport()
	mt.respondSuccess(Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsConditionalBreakpoints:   true,
	})

	client := NewClient(mt)
	defer client.Close()

	caps, err := client.Initialize(testCtx(t), InitializeRequestArguments{AdapterID: "mock"})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !caps.SupportsConfigurationDoneRequest {
		t.Error("expected SupportsConfigurationDoneRequest")
	}
	if !caps.SupportsConditionalBreakpoints {
		t.Error("expected SupportsConditionalBreakpoints")
	}
}

func TestClientContextCancellation(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Threads(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
