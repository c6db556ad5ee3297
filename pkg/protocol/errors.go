package protocol

import "errors"

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrNotConnected       = errors.New("not connected")
	ErrCallTimeout        = errors.New("call timeout")
	ErrServiceError       = errors.New("service error")
	ErrCommandNotFound    = errors.New("command not found")
	ErrSetupFailed        = errors.New("operation setup failed")
	ErrConnectFailed      = errors.New("websocket connect refused")
	ErrThrottled          = errors.New("connection hint throttled")
	ErrFrameTooLarge      = errors.New("frame too large")
	ErrInvalidWireMessage = errors.New("invalid wire message")
	ErrWebSocketNotOpen   = errors.New("websocket not open")
	ErrNoResponseStream   = errors.New("request ended without a response stream")
)
