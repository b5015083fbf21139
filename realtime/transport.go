package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const (
	CloseNormalClosure          = websocket.CloseNormalClosure
	CloseGoingAway              = websocket.CloseGoingAway
	CloseAuthenticationRequired = 4001
	CloseAuthenticationFailed   = 4003
)

var ErrTransportClosed = errors.New("Transport closed.")
var ErrSendBufferFull = errors.New("Send buffer full.")

// a bidirectional message socket owned by exactly one client
// implementations must be safe to call from multiple goroutines
type Transport interface {
	// queues the message. Never blocks on a slow peer.
	Send(message []byte) error
	Ping() error
	Close(code int, reason string) error
	IsOpen() bool
}

type WsTransportSettings struct {
	SendBufferSize int
	WriteTimeout   time.Duration
	// zero means no read deadline. The heartbeat monitor reaps idle clients.
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		SendBufferSize: 64,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: 64 * 1024,
	}
}

// gorilla websocket transport
// all data writes happen on the `run` goroutine; pings and close use `WriteControl`,
// which gorilla allows concurrently with the writer
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsTransportSettings

	send chan []byte

	closeOnce sync.Once
}

func NewWsTransportWithDefaults(ctx context.Context, ws *websocket.Conn) *WsTransport {
	return NewWsTransport(ctx, ws, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, ws *websocket.Conn, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	ws.SetReadLimit(settings.MaxMessageSize)
	transport := &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
	}
	go HandleError(transport.run)
	return transport
}

func (self *WsTransport) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ts]%s-> error = %s\n", self.ws.RemoteAddr(), err)
				return
			}
			glog.V(2).Infof("[ts]%s->\n", self.ws.RemoteAddr())
		}
	}
}

// blocks until the next text message. Any error closes the transport.
func (self *WsTransport) Read() ([]byte, error) {
	for {
		if self.settings.ReadTimeout != 0 {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			self.cancel()
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return message, nil
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.ws.RemoteAddr())
		}
	}
}

func (self *WsTransport) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrTransportClosed
	default:
	}

	select {
	case <-self.ctx.Done():
		return ErrTransportClosed
	case self.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (self *WsTransport) Ping() error {
	if !self.IsOpen() {
		return ErrTransportClosed
	}
	err := self.ws.WriteControl(
		websocket.PingMessage,
		nil,
		time.Now().Add(self.settings.WriteTimeout),
	)
	if err != nil {
		self.cancel()
	}
	return err
}

func (self *WsTransport) Close(code int, reason string) (err error) {
	self.closeOnce.Do(func() {
		err = self.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(self.settings.WriteTimeout),
		)
		self.cancel()
		self.ws.Close()
	})
	return
}

func (self *WsTransport) IsOpen() bool {
	return self.ctx.Err() == nil
}
