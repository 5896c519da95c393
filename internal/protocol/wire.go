// Package protocol implements the request/response framing between a
// controller process and its local worker/remote peer processes: a
// handshake, stateless/session/async request dispatch, retryable
// handlers, and cooperative cancellation, all carried over a duplex byte
// stream (a forked process pipe, an SSH pipe, or a TLS session).
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/pgbackup/internal/pack"
)

const maxFrameSize = 64 * 1024 * 1024

// writeFrame writes a length-prefixed payload: a uint32 big-endian byte
// count followed by the payload itself.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("protocol: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return buf, nil
}

// RequestType enumerates the shapes of request a peer may send.
type RequestType string

const (
	RequestOpen    RequestType = "open"
	RequestProcess RequestType = "process"
	RequestClose   RequestType = "close"
	RequestCancel  RequestType = "cancel"
	RequestNoop    RequestType = "noop"
	RequestExit    RequestType = "exit"
)

// Request is one frame sent from client to server.
type Request struct {
	ID         string
	SessionID  uint64
	HasSession bool
	Type       RequestType
	Param      []byte // opaque pack-encoded parameter blob, handler-defined
	HasParam   bool
}

const (
	reqTagID        = 0
	reqTagSessionID = 1
	reqTagType      = 2
	reqTagParam     = 3
)

func encodeRequest(req *Request) []byte {
	w := pack.NewWriter()
	w.WriteStringID(reqTagID, req.ID)
	if req.HasSession {
		w.WriteUIntID(reqTagSessionID, req.SessionID)
	}
	w.WriteStringID(reqTagType, string(req.Type))
	if req.HasParam {
		w.WriteBinaryID(reqTagParam, req.Param)
	}
	w.End()
	return w.Bytes()
}

func decodeRequest(data []byte) (*Request, error) {
	r := pack.NewReader(data)
	req := &Request{}
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if f.Type == pack.TypeEnd {
			break
		}
		switch f.ID {
		case reqTagID:
			req.ID, err = r.ReadString()
		case reqTagSessionID:
			req.HasSession = true
			req.SessionID, err = r.ReadUInt()
		case reqTagType:
			var s string
			s, err = r.ReadString()
			req.Type = RequestType(s)
		case reqTagParam:
			req.HasParam = true
			req.Param, err = r.ReadBinary()
		default:
			err = r.Skip(f.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

// ResponseType enumerates the two response shapes.
type ResponseType string

const (
	ResponseData  ResponseType = "data"
	ResponseError ResponseType = "error"
)

// Response is one frame sent from server to client.
type Response struct {
	Type         ResponseType
	Data         []byte
	HasData      bool
	ErrorCode    string
	ErrorMessage string
	ErrorStack   string
	Close        bool
}

const (
	respTagType         = 0
	respTagData         = 1
	respTagErrorCode    = 2
	respTagErrorMessage = 3
	respTagErrorStack   = 4
	respTagClose        = 5
)

func encodeResponse(resp *Response) []byte {
	w := pack.NewWriter()
	w.WriteStringID(respTagType, string(resp.Type))
	if resp.HasData {
		w.WriteBinaryID(respTagData, resp.Data)
	}
	if resp.Type == ResponseError {
		w.WriteStringID(respTagErrorCode, resp.ErrorCode)
		w.WriteStringID(respTagErrorMessage, resp.ErrorMessage)
		w.WriteStringID(respTagErrorStack, resp.ErrorStack)
	}
	if resp.Close {
		w.WriteBoolID(respTagClose, true)
	}
	w.End()
	return w.Bytes()
}

func decodeResponse(data []byte) (*Response, error) {
	r := pack.NewReader(data)
	resp := &Response{}
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if f.Type == pack.TypeEnd {
			break
		}
		switch f.ID {
		case respTagType:
			var s string
			s, err = r.ReadString()
			resp.Type = ResponseType(s)
		case respTagData:
			resp.HasData = true
			resp.Data, err = r.ReadBinary()
		case respTagErrorCode:
			resp.ErrorCode, err = r.ReadString()
		case respTagErrorMessage:
			resp.ErrorMessage, err = r.ReadString()
		case respTagErrorStack:
			resp.ErrorStack, err = r.ReadString()
		case respTagClose:
			resp.Close, err = r.ReadBool()
		default:
			err = r.Skip(f.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
