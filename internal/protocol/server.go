package protocol

import (
	"bufio"
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/cuemby/pgbackup/internal/log"
)

// StatelessHandler answers a single request with no session state.
type StatelessHandler func(ctx context.Context, param []byte, hasParam bool) (resp []byte, hasResp bool, err error)

// SessionOpenHandler starts a session, returning the opaque state later
// Process/Close calls receive back.
type SessionOpenHandler func(ctx context.Context, param []byte, hasParam bool) (data interface{}, resp []byte, hasResp bool, err error)

// SessionProcessHandler handles one request against an open session.
type SessionProcessHandler func(ctx context.Context, data interface{}, param []byte, hasParam bool) (resp []byte, hasResp bool, closeSession bool, err error)

// SessionCloseHandler runs when a session ends, either by explicit close
// request or because the connection closed.
type SessionCloseHandler func(ctx context.Context, data interface{}) error

// Handler groups the callbacks for one named request type. Exactly one
// of the Stateless/Open+Process shapes should be set.
type Handler struct {
	Stateless StatelessHandler

	Open    SessionOpenHandler
	Process SessionProcessHandler
	Close   SessionCloseHandler

	// Retryable marks a process handler (Process or Stateless) whose
	// failures are retried under Policy before being reported to the
	// caller (for handlers that talk to a flaky remote, e.g. object-store
	// calls).
	Retryable bool
	Policy    RetryPolicy
}

// Server dispatches requests from one connection to registered handlers.
// It is deliberately single-threaded per connection: requests on a given
// wire are processed strictly in receive order (spec.md §4.5's "single
// stepping through the two wire halves"); concurrency across peers comes
// from running one Server per forked worker, not from threading within
// one.
type Server struct {
	self     Greeting
	handlers map[RequestType]Handler
	sessions *sessionTable
}

// NewServer builds a Server that will greet clients with self.
func NewServer(self Greeting) *Server {
	return &Server{
		self:     self,
		handlers: make(map[RequestType]Handler),
		sessions: newSessionTable(),
	}
}

// Handle registers h under reqType.
func (s *Server) Handle(reqType RequestType, h Handler) {
	s.handlers[reqType] = h
}

// Serve drives conn until the client sends an exit request or the
// connection fails. It writes the greeting first, then answers requests
// one at a time.
func (s *Server) Serve(ctx context.Context, conn Conn) error {
	if err := WriteGreeting(conn, s.self); err != nil {
		return err
	}
	br := bufio.NewReader(conn)

	defer func() {
		for _, sess := range s.sessions.closeAll() {
			if h, ok := s.handlers[RequestProcess]; ok && h.Close != nil {
				_ = h.Close(ctx, sess.data)
			}
		}
	}()

	for {
		frame, err := readFrame(br)
		if err != nil {
			return err
		}
		req, err := decodeRequest(frame)
		if err != nil {
			return err
		}

		if req.Type == RequestExit {
			return nil
		}
		if req.Type == RequestCancel {
			// Fire-and-forget: writing a response would be matched to the
			// client's next pending request.
			continue
		}
		if req.Type == RequestNoop {
			if err := s.respond(conn, &Response{Type: ResponseData}); err != nil {
				return err
			}
			continue
		}

		resp := s.dispatch(ctx, req)
		if err := s.respond(conn, resp); err != nil {
			return err
		}
		if resp.Close {
			return nil
		}
	}
}

func (s *Server) respond(conn Conn, resp *Response) error {
	return writeFrame(conn, encodeResponse(resp))
}

// dispatch never lets a handler panic escape: a panic is converted into
// an error response carrying the recovered value and a stack trace, the
// same shape a returned error would produce.
func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = errorResponse(errkind.New(errkind.AssertError, string(req.Type),
				fmt.Errorf("panic: %v", r)), string(debug.Stack()))
		}
	}()

	switch req.Type {
	case RequestOpen:
		return s.dispatchOpen(ctx, req)
	case RequestProcess:
		return s.dispatchProcess(ctx, req)
	case RequestClose:
		return s.dispatchClose(ctx, req)
	case RequestCancel:
		// Serve consumes cancel frames itself without responding, so this
		// case is not reached from Serve; a cancel has no other effect.
		return &Response{Type: ResponseData}
	default:
		return errorResponse(errkind.New(errkind.OptionInvalidValueError, string(req.Type),
			fmt.Errorf("unknown request type")), "")
	}
}

func (s *Server) dispatchOpen(ctx context.Context, req *Request) *Response {
	h, ok := s.handlers[RequestOpen]
	if !ok || h.Open == nil {
		return errorResponse(errkind.New(errkind.OptionInvalidValueError, "open",
			fmt.Errorf("no session handler registered")), "")
	}
	data, respParam, _, err := h.Open(ctx, req.Param, req.HasParam)
	if err != nil {
		return errorResponse(err, "")
	}
	sess := s.sessions.open(string(req.Type), data)
	return &Response{Type: ResponseData, Data: encodeOpenResult(sess.id, respParam), HasData: true}
}

// dispatchProcess handles both shapes a RequestProcess can take: a
// session-bound call (req.HasSession true) against state a prior
// RequestOpen attached, and a stateless call (req.HasSession false,
// as the dispatcher in internal/dispatch issues for worker jobs) that
// passes no session data to the handler at all. A stateless call goes to
// Process when one is registered, and to Stateless otherwise.
func (s *Server) dispatchProcess(ctx context.Context, req *Request) *Response {
	h, ok := s.handlers[RequestProcess]
	if !ok || (h.Process == nil && (req.HasSession || h.Stateless == nil)) {
		return errorResponse(errkind.New(errkind.OptionInvalidValueError, "process",
			fmt.Errorf("no process handler registered")), "")
	}

	var (
		sess        *session
		handlerName string
	)
	if req.HasSession {
		var sessOk bool
		sess, sessOk = s.sessions.get(req.SessionID)
		if !sessOk {
			return errorResponse(errkind.New(errkind.OptionInvalidValueError, "process",
				fmt.Errorf("unknown session %d", req.SessionID)), "")
		}
		handlerName = sess.handlerName
	} else {
		handlerName = string(RequestProcess)
	}

	call := func() ([]byte, error) {
		if sess == nil && h.Process == nil {
			resp, hasResp, err := h.Stateless(ctx, req.Param, req.HasParam)
			if err != nil || !hasResp {
				return nil, err
			}
			return resp, nil
		}
		var data interface{}
		if sess != nil {
			data = sess.data
		}
		resp, hasResp, closeSession, err := h.Process(ctx, data, req.Param, req.HasParam)
		if err != nil {
			return nil, err
		}
		if closeSession && sess != nil {
			s.sessions.close(sess.id)
		}
		if !hasResp {
			return nil, nil
		}
		return resp, nil
	}

	var (
		data []byte
		err  error
	)
	if h.Retryable {
		policy := h.Policy
		if len(policy.Delays) == 0 {
			policy = DefaultRetryPolicy
		}
		shouldRetry := func(e error) bool { return errkind.IsRetryable(e) }
		data, err = policy.run(ctx, "process:"+handlerName, shouldRetry, call)
	} else {
		data, err = call()
	}
	if err != nil {
		return errorResponse(err, "")
	}
	return &Response{Type: ResponseData, Data: data, HasData: data != nil}
}

func (s *Server) dispatchClose(ctx context.Context, req *Request) *Response {
	if !req.HasSession {
		return errorResponse(errkind.New(errkind.OptionInvalidValueError, "close",
			fmt.Errorf("close request missing session id")), "")
	}
	sess, ok := s.sessions.get(req.SessionID)
	if !ok {
		return &Response{Type: ResponseData}
	}
	h := s.handlers[RequestProcess]
	if h.Close != nil {
		if err := h.Close(ctx, sess.data); err != nil {
			log.Logger.Warn().Err(err).Uint64("session_id", sess.id).Msg("session close handler failed")
		}
	}
	s.sessions.close(sess.id)
	return &Response{Type: ResponseData}
}

func errorResponse(err error, stack string) *Response {
	code := errkind.CodeOf(err)
	return &Response{
		Type:         ResponseError,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
		ErrorStack:   stack,
	}
}

// encodeOpenResult packs the assigned session id ahead of the handler's
// own response payload so a single Data field can carry both.
func encodeOpenResult(sessionID uint64, respParam []byte) []byte {
	out := make([]byte, 8+len(respParam))
	for i := 0; i < 8; i++ {
		out[i] = byte(sessionID >> (8 * (7 - i)))
	}
	copy(out[8:], respParam)
	return out
}

// DecodeOpenResult splits an Open response's Data back into the assigned
// session id and the handler's own payload.
func DecodeOpenResult(data []byte) (sessionID uint64, respParam []byte, err error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("protocol: open response too short")
	}
	for i := 0; i < 8; i++ {
		sessionID = sessionID<<8 | uint64(data[i])
	}
	return sessionID, data[8:], nil
}
