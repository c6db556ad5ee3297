package protocol

import (
	"encoding/json"
	"io"
	"net/http"
)

// OperationID связывает команды и уведомления с одним запросом или websocket
// соединением.
type OperationID int32

type FrameType byte

const (
	FrameCommand FrameType = iota + 1
	FrameReply
	FrameNotification
	FrameStreamData
)

func (t FrameType) String() string {
	switch t {
	case FrameCommand:
		return "command"
	case FrameReply:
		return "reply"
	case FrameNotification:
		return "notification"
	case FrameStreamData:
		return "stream_data"
	default:
		return "unknown"
	}
}

// Команды клиента
const (
	MethodStartRequest            = "start_request"
	MethodStopRequest             = "stop_request"
	MethodSetCertificate          = "set_certificate"
	MethodEnsureConnection        = "ensure_connection"
	MethodWebSocketConnect        = "websocket_connect"
	MethodWebSocketSend           = "websocket_send"
	MethodWebSocketClose          = "websocket_close"
	MethodWebSocketSetCertificate = "websocket_set_certificate"
)

// Уведомления сервиса
const (
	MethodRequestStarted                = "request_started"
	MethodRequestProgress               = "request_progress"
	MethodHeadersBecameAvailable        = "headers_became_available"
	MethodCertificateRequested          = "certificate_requested"
	MethodRequestFinished               = "request_finished"
	MethodWebSocketConnected            = "websocket_connected"
	MethodWebSocketReceived             = "websocket_received"
	MethodWebSocketErrored              = "websocket_errored"
	MethodWebSocketClosed               = "websocket_closed"
	MethodWebSocketCertificateRequested = "websocket_certificate_requested"
)

// Frame - единица обмена через Conn.
//
// Seq ненулевой только у команд, ждущих ответа, и у самих ответов. Stream не
// кодируется в payload: транспорт передаёт его отдельно (дескриптором или
// кадрами stream_data).
type Frame struct {
	Type    FrameType       `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	ID      OperationID     `json:"id"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Stream  io.ReadCloser   `json:"-"`
}

func NewCommand(id OperationID, method string, payload any) (*Frame, error) {
	return newFrame(FrameCommand, id, method, payload)
}

func NewNotification(id OperationID, method string, payload any) (*Frame, error) {
	return newFrame(FrameNotification, id, method, payload)
}

func NewReply(cmd *Frame, payload any) (*Frame, error) {
	f, err := newFrame(FrameReply, cmd.ID, cmd.Method, payload)
	if err != nil {
		return nil, err
	}

	f.Seq = cmd.Seq

	return f, nil
}

func NewErrorReply(cmd *Frame, err error) *Frame {
	return &Frame{
		Type:   FrameReply,
		Seq:    cmd.Seq,
		ID:     cmd.ID,
		Method: cmd.Method,
		Error:  err.Error(),
	}
}

func newFrame(t FrameType, id OperationID, method string, payload any) (*Frame, error) {
	f := &Frame{Type: t, ID: id, Method: method}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		f.Payload = data
	}

	return f, nil
}

func (f *Frame) UnmarshalPayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}

	return json.Unmarshal(f.Payload, v)
}

type ProxyType string

const (
	ProxyDirect ProxyType = "direct"
	ProxySOCKS5 ProxyType = "socks5"
)

type ProxyData struct {
	Type ProxyType `json:"type"`
	Host string    `json:"host,omitempty"`
	Port int       `json:"port,omitempty"`
}

type CacheLevel int

const (
	ResolveOnly CacheLevel = iota
	CreateConnection
)

type StartRequestPayload struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
	Proxy   ProxyData   `json:"proxy"`
}

type CertificatePayload struct {
	Certificate string `json:"certificate"`
	Key         string `json:"key"`
}

type EnsureConnectionPayload struct {
	URL        string     `json:"url"`
	CacheLevel CacheLevel `json:"cache_level"`
}

type WebSocketConnectPayload struct {
	URL        string      `json:"url"`
	Origin     string      `json:"origin,omitempty"`
	Protocols  []string    `json:"protocols,omitempty"`
	Extensions []string    `json:"extensions,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
}

type WebSocketConnectReply struct {
	ConnectionID OperationID `json:"connection_id"`
}

type WebSocketSendPayload struct {
	IsText bool   `json:"is_text"`
	Data   []byte `json:"data"`
}

type WebSocketClosePayload struct {
	Code   uint16 `json:"code"`
	Reason string `json:"reason,omitempty"`
}

type AckReply struct {
	OK bool `json:"ok"`
}

type RequestProgressPayload struct {
	TotalSize      *uint64 `json:"total_size,omitempty"`
	DownloadedSize uint64  `json:"downloaded_size"`
}

type HeadersPayload struct {
	Headers    http.Header `json:"headers"`
	StatusCode *uint32     `json:"status_code,omitempty"`
}

type RequestFinishedPayload struct {
	Success   bool   `json:"success"`
	TotalSize uint64 `json:"total_size"`
}

type WebSocketReceivedPayload struct {
	IsText bool   `json:"is_text"`
	Data   []byte `json:"data"`
}

type WebSocketErroredPayload struct {
	Code WebSocketError `json:"code"`
}

type WebSocketClosedPayload struct {
	Code   uint16 `json:"code"`
	Reason string `json:"reason,omitempty"`
	Clean  bool   `json:"clean"`
}
