package protocol

import (
	"bytes"
	"fmt"
	"time"
)

// Response is implemented by every response of the session protocol
type Response interface {
	Message
	Header() *ResponseHeader
	Reset()
}

// ResponseHeader is the status part shared by all responses. On the wire an OK status is followed by the response
// payload, an ERROR status by exactly one error code byte and nothing else.
type ResponseHeader struct {
	Status Status
	Error  ErrorCode
}

// Header gives generic access to the status of any response
func (h *ResponseHeader) Header() *ResponseHeader { return h }

// Succeed marks the response as OK
func (h *ResponseHeader) Succeed() {
	h.Status = StatusOK
	h.Error = NoError
}

// Fail marks the response as an error with the given code
func (h *ResponseHeader) Fail(code ErrorCode) {
	if code == NoError {
		code = InternalError
	}
	h.Status = StatusError
	h.Error = code
}

// OK reports whether the response carries a payload
func (h *ResponseHeader) OK() bool {
	return h.Status == StatusOK
}

// Err returns nil for an OK response and the ErrorCode otherwise
func (h *ResponseHeader) Err() error {
	if h.OK() {
		return nil
	}
	if h.Error == NoError {
		return InternalError
	}
	return h.Error
}

func (h *ResponseHeader) equal(o *ResponseHeader) bool {
	return h.Status == o.Status && (h.OK() || h.Error == o.Error)
}

// encode writes the status and error byte and returns true if the payload must follow
func (h *ResponseHeader) encode(w *writer) bool {
	w.uint8(uint8(h.Status))
	if h.OK() {
		return true
	}
	code := h.Error
	if code == NoError {
		code = InternalError
	}
	w.uint8(code.ID())
	return false
}

// decode reads the status and error byte and returns true if the payload follows
func (h *ResponseHeader) decode(r *reader) bool {
	status := Status(r.uint8("status"))
	if r.err != nil {
		return false
	}

	switch status {
	case StatusOK:
		h.Succeed()
		return true
	case StatusError:
		id := r.uint8("error code")
		if r.err != nil {
			return false
		}
		code, err := ErrorCodeForID(id)
		if err != nil {
			r.err = fmt.Errorf("%w: %w", ErrMalformedFrame, err)
			return false
		}
		h.Fail(code)
		return false
	default:
		r.err = fmt.Errorf("%w: %w %d", ErrMalformedFrame, ErrUnknownStatus, uint8(status))
		return false
	}
}

// ConnectResponse answers a ConnectRequest
type ConnectResponse struct {
	ResponseHeader
}

func (m *ConnectResponse) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) { m.encode(w) }), nil
}

func (m *ConnectResponse) UnmarshalBinary(data []byte) error {
	m.Reset()
	r := reader{data: data}
	m.decode(&r)
	return r.finish()
}

func (m *ConnectResponse) Reset() { *m = ConnectResponse{} }

func (m *ConnectResponse) Equal(o *ConnectResponse) bool {
	return m.ResponseHeader.equal(&o.ResponseHeader)
}

// RegisterResponse answers a RegisterRequest with the new session id and the timeout the server granted
type RegisterResponse struct {
	ResponseHeader
	Session uint64
	Timeout time.Duration
}

func (m *RegisterResponse) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		if m.encode(w) {
			w.uint64(m.Session)
			w.uint64(uint64(m.Timeout.Milliseconds()))
		}
	}), nil
}

func (m *RegisterResponse) UnmarshalBinary(data []byte) error {
	m.Reset()
	r := reader{data: data}
	if m.decode(&r) {
		m.Session = r.uint64("session")
		m.Timeout = r.millis("timeout")
	}
	return r.finish()
}

func (m *RegisterResponse) Reset() { *m = RegisterResponse{} }

func (m *RegisterResponse) Equal(o *RegisterResponse) bool {
	if !m.ResponseHeader.equal(&o.ResponseHeader) {
		return false
	}
	return !m.OK() || (m.Session == o.Session && m.Timeout == o.Timeout)
}

// KeepAliveResponse answers a KeepAliveRequest
type KeepAliveResponse struct {
	ResponseHeader
}

func (m *KeepAliveResponse) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) { m.encode(w) }), nil
}

func (m *KeepAliveResponse) UnmarshalBinary(data []byte) error {
	m.Reset()
	r := reader{data: data}
	m.decode(&r)
	return r.finish()
}

func (m *KeepAliveResponse) Reset() { *m = KeepAliveResponse{} }

func (m *KeepAliveResponse) Equal(o *KeepAliveResponse) bool {
	return m.ResponseHeader.equal(&o.ResponseHeader)
}

// UnregisterResponse answers an UnregisterRequest
type UnregisterResponse struct {
	ResponseHeader
}

func (m *UnregisterResponse) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) { m.encode(w) }), nil
}

func (m *UnregisterResponse) UnmarshalBinary(data []byte) error {
	m.Reset()
	r := reader{data: data}
	m.decode(&r)
	return r.finish()
}

func (m *UnregisterResponse) Reset() { *m = UnregisterResponse{} }

func (m *UnregisterResponse) Equal(o *UnregisterResponse) bool {
	return m.ResponseHeader.equal(&o.ResponseHeader)
}

// CommandResponse carries the state machine output of a command and the log index it was applied at
type CommandResponse struct {
	ResponseHeader
	Result []byte
	Index  uint64
}

func (m *CommandResponse) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		if m.encode(w) {
			w.bytes(m.Result)
			w.uint64(m.Index)
		}
	}), nil
}

func (m *CommandResponse) UnmarshalBinary(data []byte) error {
	m.Reset()
	r := reader{data: data}
	if m.decode(&r) {
		m.Result = r.bytes("result")
		m.Index = r.uint64("index")
	}
	return r.finish()
}

func (m *CommandResponse) Reset() { *m = CommandResponse{} }

func (m *CommandResponse) Equal(o *CommandResponse) bool {
	if !m.ResponseHeader.equal(&o.ResponseHeader) {
		return false
	}
	return !m.OK() || (bytes.Equal(m.Result, o.Result) && m.Index == o.Index)
}

// QueryResponse carries the state machine output of a query and the index of the state it was read from
type QueryResponse struct {
	ResponseHeader
	Result []byte
	Index  uint64
}

func (m *QueryResponse) MarshalBinary() ([]byte, error) {
	return encode(func(w *writer) {
		if m.encode(w) {
			w.bytes(m.Result)
			w.uint64(m.Index)
		}
	}), nil
}

func (m *QueryResponse) UnmarshalBinary(data []byte) error {
	m.Reset()
	r := reader{data: data}
	if m.decode(&r) {
		m.Result = r.bytes("result")
		m.Index = r.uint64("index")
	}
	return r.finish()
}

func (m *QueryResponse) Reset() { *m = QueryResponse{} }

func (m *QueryResponse) Equal(o *QueryResponse) bool {
	if !m.ResponseHeader.equal(&o.ResponseHeader) {
		return false
	}
	return !m.OK() || (bytes.Equal(m.Result, o.Result) && m.Index == o.Index)
}
