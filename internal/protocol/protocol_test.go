package protocol

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/stretchr/testify/require"
)

func testGreeting() Greeting {
	return Greeting{Name: "pgbackup", Service: "test", Version: "1.0.0"}
}

// pipeConn adapts a net.Conn (from net.Pipe) to the protocol.Conn interface.
type pipeConn struct{ net.Conn }

func newPair(t *testing.T) (Conn, Conn) {
	t.Helper()
	a, b := net.Pipe()
	return pipeConn{a}, pipeConn{b}
}

func TestClientServerStatelessRoundTrip(t *testing.T) {
	serverConn, clientConn := newPair(t)

	srv := NewServer(testGreeting())
	srv.Handle(RequestProcess, Handler{
		Process: func(ctx context.Context, data interface{}, param []byte, hasParam bool) ([]byte, bool, bool, error) {
			return append([]byte("echo:"), param...), true, false, nil
		},
	})

	go func() { _ = srv.Serve(context.Background(), serverConn) }()

	cli, err := Dial(clientConn, testGreeting())
	require.NoError(t, err)
	defer cli.Close()

	resp, err := cli.Call(context.Background(), RequestProcess, 0, false, []byte("hi"), true)
	require.NoError(t, err)
	require.Equal(t, ResponseData, resp.Type)
	require.Equal(t, []byte("echo:hi"), resp.Data)
}

func TestClientServerSessionLifecycle(t *testing.T) {
	serverConn, clientConn := newPair(t)

	type counter struct{ n int }

	srv := NewServer(testGreeting())
	srv.Handle(RequestOpen, Handler{
		Open: func(ctx context.Context, param []byte, hasParam bool) (interface{}, []byte, bool, error) {
			return &counter{}, nil, false, nil
		},
	})
	srv.Handle(RequestProcess, Handler{
		Process: func(ctx context.Context, data interface{}, param []byte, hasParam bool) ([]byte, bool, bool, error) {
			c := data.(*counter)
			c.n++
			return []byte{byte(c.n)}, true, false, nil
		},
		Close: func(ctx context.Context, data interface{}) error { return nil },
	})

	go func() { _ = srv.Serve(context.Background(), serverConn) }()

	cli, err := Dial(clientConn, testGreeting())
	require.NoError(t, err)
	defer cli.Close()

	openResp, err := cli.Call(context.Background(), RequestOpen, 0, false, nil, false)
	require.NoError(t, err)
	sessionID, _, err := DecodeOpenResult(openResp.Data)
	require.NoError(t, err)
	require.NotZero(t, sessionID)

	resp1, err := cli.Call(context.Background(), RequestProcess, sessionID, true, nil, false)
	require.NoError(t, err)
	require.Equal(t, byte(1), resp1.Data[0])

	resp2, err := cli.Call(context.Background(), RequestProcess, sessionID, true, nil, false)
	require.NoError(t, err)
	require.Equal(t, byte(2), resp2.Data[0])

	closeResp, err := cli.Call(context.Background(), RequestClose, sessionID, true, nil, false)
	require.NoError(t, err)
	require.Equal(t, ResponseData, closeResp.Type)
}

func TestClientServerPipelinedAsyncRequestsCompleteInFIFOOrder(t *testing.T) {
	serverConn, clientConn := newPair(t)

	srv := NewServer(testGreeting())
	srv.Handle(RequestProcess, Handler{
		Process: func(ctx context.Context, data interface{}, param []byte, hasParam bool) ([]byte, bool, bool, error) {
			return param, true, false, nil
		},
	})
	go func() { _ = srv.Serve(context.Background(), serverConn) }()

	cli, err := Dial(clientConn, testGreeting())
	require.NoError(t, err)
	defer cli.Close()

	f1, err := cli.Submit(RequestProcess, 0, false, []byte("first"), true)
	require.NoError(t, err)
	f2, err := cli.Submit(RequestProcess, 0, false, []byte("second"), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r1, err := f1.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), r1.Data)

	r2, err := f2.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), r2.Data)
}

func TestDispatchErrorHandlerFailureReturnsErrorResponse(t *testing.T) {
	serverConn, clientConn := newPair(t)

	srv := NewServer(testGreeting())
	srv.Handle(RequestProcess, Handler{
		Process: func(ctx context.Context, data interface{}, param []byte, hasParam bool) ([]byte, bool, bool, error) {
			return nil, false, false, errkind.New(errkind.FileMissingError, "process", errors.New("no such file"))
		},
	})
	go func() { _ = srv.Serve(context.Background(), serverConn) }()

	cli, err := Dial(clientConn, testGreeting())
	require.NoError(t, err)
	defer cli.Close()

	resp, err := cli.Call(context.Background(), RequestProcess, 0, false, nil, false)
	require.NoError(t, err)
	require.Equal(t, ResponseError, resp.Type)
	require.Equal(t, "FileMissingError", resp.ErrorCode)
}

func TestDispatchPanicIsConvertedToErrorResponse(t *testing.T) {
	serverConn, clientConn := newPair(t)

	srv := NewServer(testGreeting())
	srv.Handle(RequestProcess, Handler{
		Process: func(ctx context.Context, data interface{}, param []byte, hasParam bool) ([]byte, bool, bool, error) {
			panic("boom")
		},
	})
	go func() { _ = srv.Serve(context.Background(), serverConn) }()

	cli, err := Dial(clientConn, testGreeting())
	require.NoError(t, err)
	defer cli.Close()

	resp, err := cli.Call(context.Background(), RequestProcess, 0, false, nil, false)
	require.NoError(t, err)
	require.Equal(t, ResponseError, resp.Type)
	require.Contains(t, resp.ErrorMessage, "boom")
	require.NotEmpty(t, resp.ErrorStack)
}
