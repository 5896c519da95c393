package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		ID:         "req-1",
		SessionID:  7,
		HasSession: true,
		Type:       RequestProcess,
		Param:      []byte("payload"),
		HasParam:   true,
	}
	data := encodeRequest(req)
	got, err := decodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestRequestRoundTripWithoutSessionOrParam(t *testing.T) {
	req := &Request{ID: "req-2", Type: RequestNoop}
	data := encodeRequest(req)
	got, err := decodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, req, got)
	require.False(t, got.HasSession)
	require.False(t, got.HasParam)
}

func TestResponseRoundTripData(t *testing.T) {
	resp := &Response{Type: ResponseData, Data: []byte("result"), HasData: true}
	data := encodeResponse(resp)
	got, err := decodeResponse(data)
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestResponseRoundTripError(t *testing.T) {
	resp := &Response{
		Type:         ResponseError,
		ErrorCode:    "FileMissingError",
		ErrorMessage: "no such file",
		ErrorStack:   "stack trace here",
	}
	data := encodeResponse(resp)
	got, err := decodeResponse(data)
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestResponseClosePropagates(t *testing.T) {
	resp := &Response{Type: ResponseData, Close: true}
	data := encodeResponse(resp)
	got, err := decodeResponse(data)
	require.NoError(t, err)
	require.True(t, got.Close)
}
