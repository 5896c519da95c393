package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Conn is the duplex byte stream a Client drives: a forked process's
// stdin/stdout pipe, an SSH session's stdio, or a TLS connection to a
// remote peer.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// pendingCall is one outstanding request awaiting its response. Because
// a single Conn carries one physical byte stream, responses arrive in
// the same order their requests were written; Client's receive loop
// matches them up by popping the head of this FIFO queue rather than by
// any identifier carried on the wire.
type pendingCall struct {
	req    *Request
	result chan CallResult
}

// CallResult is the outcome of one Submit'd request, delivered through a
// Future's Ready channel.
type CallResult struct {
	Resp *Response
	Err  error
}

// Client drives one peer connection. Call blocks for a round trip;
// Submit returns immediately with a future so a caller (the dispatcher,
// or an async session) can have several requests in flight at once.
type Client struct {
	conn    Conn
	greeter Greeting

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   []*pendingCall

	recvDone chan struct{}
}

// Dial performs the greeting handshake over conn and starts the
// background receive loop. conn is typically the stdio pipe of a forked
// worker process or an established SSH/TLS session.
func Dial(conn Conn, self Greeting) (*Client, error) {
	br := bufio.NewReader(conn)
	if _, err := ReadGreeting(br, self); err != nil {
		return nil, err
	}
	c := &Client{
		conn:     conn,
		greeter:  self,
		recvDone: make(chan struct{}),
	}
	go c.receiveLoop(br)
	return c, nil
}

func (c *Client) receiveLoop(r io.Reader) {
	defer close(c.recvDone)
	for {
		frame, err := readFrame(r)
		if err != nil {
			c.failAllPending(err)
			return
		}
		resp, err := decodeResponse(frame)
		if err != nil {
			c.failAllPending(err)
			return
		}
		c.pendingMu.Lock()
		if len(c.pending) == 0 {
			c.pendingMu.Unlock()
			c.failAllPending(fmt.Errorf("protocol: response with no matching pending request"))
			return
		}
		call := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()
		call.result <- CallResult{Resp: resp}
	}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	for _, call := range pending {
		call.result <- CallResult{Err: err}
	}
}

// Future is returned by Submit; Wait blocks until the matching response
// arrives (or the connection fails) without blocking the caller's
// submission of further requests in the meantime.
type Future struct {
	ch chan CallResult
}

// Ready returns a channel that becomes readable once the response
// arrives — the dispatcher selects over many clients' Ready channels
// with a timeout to emulate polling a read-fd set (spec.md §4.6).
func (f *Future) Ready() <-chan CallResult { return f.ch }

// Wait blocks for the response.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case r := <-f.ch:
		return r.Resp, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit writes req and returns a Future for its response without
// waiting. sessionID/hasSession identify which session (if any) this
// request belongs to; type/param carry the handler-defined payload.
func (c *Client) Submit(reqType RequestType, sessionID uint64, hasSession bool, param []byte, hasParam bool) (*Future, error) {
	req := &Request{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		HasSession: hasSession,
		Type:       reqType,
		Param:      param,
		HasParam:   hasParam,
	}
	call := &pendingCall{req: req, result: make(chan CallResult, 1)}

	c.pendingMu.Lock()
	c.pending = append(c.pending, call)
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := writeFrame(c.conn, encodeRequest(req))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("protocol: submit %s: %w", reqType, err)
	}
	return &Future{ch: call.result}, nil
}

// Call performs a full round trip: Submit then Wait.
func (c *Client) Call(ctx context.Context, reqType RequestType, sessionID uint64, hasSession bool, param []byte, hasParam bool) (*Response, error) {
	f, err := c.Submit(reqType, sessionID, hasSession, param, hasParam)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Cancel sends a cancel notification for sessionID. It does not wait for
// a response, and the server writes none. The server takes no other
// action on it: no queued request is discarded and no session is closed.
func (c *Client) Cancel(sessionID uint64) error {
	req := &Request{ID: uuid.NewString(), SessionID: sessionID, HasSession: true, Type: RequestCancel}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, encodeRequest(req))
}

// Close sends an exit request and closes the underlying connection.
func (c *Client) Close() error {
	req := &Request{ID: uuid.NewString(), Type: RequestExit}
	c.writeMu.Lock()
	_ = writeFrame(c.conn, encodeRequest(req))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.recvDone
	return err
}
