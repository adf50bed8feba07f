package endpoint

import (
	"crypto/tls"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n0remac/sfu-translate/bufferpool"
)

// WSConfig configures a WebSocket-transport endpoint:
// "config carries URI, optional basic auth, TLS parameters and extra
// headers."
type WSConfig struct {
	URI             string
	BasicAuthUser   string
	BasicAuthPass   string
	ExtraHeaders    http.Header
	TLSConfig       *tls.Config
	HandshakeTimeout time.Duration
}

// WSEndPoint is the WebSocket TranslatorEndPoint subclass: it dials out to
// an external translation service, relaying text/binary both ways.
type WSEndPoint struct {
	base

	cfg   WSConfig
	alloc *bufferpool.Allocator

	mu      sync.Mutex
	conn    *websocket.Conn
	sendCh  chan wsOutbound
	closeCh chan struct{}
}

type wsOutbound struct {
	binary bool
	data   []byte
}

// NewWSEndPoint constructs a disconnected WebSocket endpoint. alloc is used
// to wrap inbound binary frames as pool buffers before dispatch to sinks.
func NewWSEndPoint(cfg WSConfig, alloc *bufferpool.Allocator) *WSEndPoint {
	return &WSEndPoint{base: newBase(), cfg: cfg, alloc: alloc}
}

// Open requests a connection; a no-op if already connecting or connected.
func (w *WSEndPoint) Open() {
	if w.State() == StateConnecting || w.State() == StateConnected {
		return
	}
	w.setState(StateConnecting, nil)
	go w.dial()
}

func (w *WSEndPoint) dial() {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.cfg.HandshakeTimeout,
		TLSClientConfig:  w.cfg.TLSConfig,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	headers := w.cfg.ExtraHeaders
	if headers == nil {
		headers = http.Header{}
	}
	if w.cfg.BasicAuthUser != "" {
		req := &http.Request{Header: http.Header{}}
		req.SetBasicAuth(w.cfg.BasicAuthUser, w.cfg.BasicAuthPass)
		if auth := req.Header.Get("Authorization"); auth != "" {
			headers.Set("Authorization", auth)
		}
	}

	conn, _, err := dialer.Dial(w.cfg.URI, headers)
	if err != nil {
		log.Printf("[endpoint %s] dial %s: %v", w.id, w.cfg.URI, err)
		w.notifyFailure(FailureNoConnection)
		w.setState(StateDisconnected, nil)
		return
	}

	w.mu.Lock()
	w.conn = conn
	w.sendCh = make(chan wsOutbound, 64)
	w.closeCh = make(chan struct{})
	closeCh := w.closeCh
	w.mu.Unlock()

	go w.writePump(conn, closeCh)
	go w.readPump(conn, closeCh)

	w.setState(StateConnected, func() {
		if w.haveLV.Load() {
			w.sendLanguagePack()
		}
	})
}

func (w *WSEndPoint) readPump(conn *websocket.Conn, closeCh chan struct{}) {
	defer w.teardown(conn, closeCh)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.TextMessage:
			w.notifyText(string(data))
		case websocket.BinaryMessage:
			buf := w.alloc.Allocate(len(data))
			copy(buf.Bytes(), data)
			w.notifyBinary(buf)
		}
	}
}

func (w *WSEndPoint) writePump(conn *websocket.Conn, closeCh chan struct{}) {
	for {
		select {
		case out := <-w.sendCh:
			kind := websocket.TextMessage
			if out.binary {
				kind = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(kind, out.data); err != nil {
				log.Printf("[endpoint %s] write: %v", w.id, err)
				go w.teardown(conn, closeCh)
				return
			}
		case <-closeCh:
			return
		}
	}
}

func (w *WSEndPoint) teardown(conn *websocket.Conn, closeCh chan struct{}) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	w.mu.Unlock()

	select {
	case <-closeCh:
	default:
		close(closeCh)
	}
	_ = conn.Close()
	w.setState(StateDisconnected, nil)
}

// Close requests disconnect; once the connection actually closes, the
// endpoint transitions to Disconnected.
func (w *WSEndPoint) Close() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// WriteBinary is valid only in Connected; dropped silently otherwise.
func (w *WSEndPoint) WriteBinary(buf []byte) bool {
	if w.State() != StateConnected {
		return false
	}
	select {
	case w.sendCh <- wsOutbound{binary: true, data: buf}:
		return true
	default:
		w.notifyFailure(FailureWriteBinary)
		return false
	}
}

// WriteText is valid only in Connected; dropped silently otherwise.
func (w *WSEndPoint) WriteText(text string) bool {
	if w.State() != StateConnected {
		return false
	}
	select {
	case w.sendCh <- wsOutbound{binary: false, data: []byte(text)}:
		return true
	default:
		w.notifyFailure(FailureWriteText)
		return false
	}
}

// SetLanguageVoice records the pack and, if Connected, sends it immediately
// —: "sent whenever language/voice change; also sent once upon
// entering Connected."
func (w *WSEndPoint) SetLanguageVoice(lv LanguageVoice) {
	w.base.SetLanguageVoice(lv)
	if w.State() == StateConnected {
		w.sendLanguagePack()
	}
}

func (w *WSEndPoint) sendLanguagePack() {
	msg, err := buildControlJSON(w.lv)
	if err != nil {
		w.notifyFailure(FailureGeneral)
		return
	}
	w.WriteText(msg)
}

var _ EndPoint = (*WSEndPoint)(nil)
