package firehose

import (
	"errors"
	"net"
	"time"
)

// wsConn is the slice of *websocket.Conn the server actually uses. Keeping
// the transport behind an interface lets tests stand in a conn with
// controlled write latency.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
	RemoteAddr() net.Addr
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
