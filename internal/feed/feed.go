// Package feed streams lifecycle events to WebSocket clients.
//
// A Feed is an application context for the connection manager: every event
// it receives is fanned out as JSON to the connected clients. Text frames
// sent by a client are handed to a sender, normally the manager's
// broadcast.
package feed

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chaz8081/btchat/internal/btconn"
)

const (
	subscriberBuffer = 64
	pingInterval     = 20 * time.Second
	maxInbound       = 64 << 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Record is the JSON form of a btconn.Event.
type Record struct {
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome"`
	Peer      string    `json:"peer,omitempty"`
	PeerName  string    `json:"peer_name,omitempty"`
	Conn      string    `json:"conn,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRecord converts an event.
func NewRecord(e btconn.Event) Record {
	r := Record{
		Kind:      e.Kind.String(),
		Outcome:   e.Outcome.String(),
		Peer:      e.Peer.Address,
		PeerName:  e.Peer.Name,
		Conn:      string(e.Conn),
		Message:   e.Message,
		Timestamp: e.Time,
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return r
}

type subscriber struct {
	ch chan Record
}

// Feed fans events out to WebSocket clients.
type Feed struct {
	send func(text string) int
	log  *zap.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	srvMu sync.Mutex
	srv   *http.Server
}

// New returns a Feed. send receives inbound client text and may be nil,
// in which case inbound frames are discarded.
func New(send func(text string) int, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{send: send, log: log, subs: make(map[*subscriber]struct{})}
}

// Receive publishes e to every client. Slow clients miss events rather
// than stall the manager's dispatcher.
func (f *Feed) Receive(e btconn.Event) {
	rec := NewRecord(e)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		select {
		case s.ch <- rec:
		default:
		}
	}
}

// Subscribe registers a client. The returned function unregisters it and
// closes the channel.
func (f *Feed) Subscribe() (<-chan Record, func()) {
	s := &subscriber{ch: make(chan Record, subscriberBuffer)}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	return s.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[s]; ok {
			delete(f.subs, s)
			close(s.ch)
		}
	}
}

// Len returns the number of connected clients.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Handler returns the HTTP handler serving the feed at /events.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", f.eventStream)
	return withLogging(f.log, mux)
}

func (f *Feed) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("feed: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := f.Subscribe()
	defer unsub()

	gone := make(chan struct{})
	go f.readLoop(conn, gone)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				f.log.Debug("feed: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readLoop forwards client text frames until the connection fails.
func (f *Feed) readLoop(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(maxInbound)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.log.Debug("feed: ws read", zap.Error(err))
			}
			return
		}
		if typ != websocket.TextMessage || f.send == nil {
			continue
		}
		text := strings.TrimRight(string(data), "\r\n")
		if text == "" {
			continue
		}
		n := f.send(text)
		f.log.Debug("feed: forwarded", zap.Int("connections", n))
	}
}

// Serve listens on addr and serves the feed until Close. It returns nil
// after Close.
func (f *Feed) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return f.ServeListener(ln)
}

// ServeListener serves the feed on ln until Close.
func (f *Feed) ServeListener(ln net.Listener) error {
	srv := &http.Server{Handler: f.Handler(), ReadHeaderTimeout: 10 * time.Second}
	f.srvMu.Lock()
	f.srv = srv
	f.srvMu.Unlock()

	f.log.Info("feed: listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the server and disconnects every client.
func (f *Feed) Close(ctx context.Context) error {
	f.srvMu.Lock()
	srv := f.srv
	f.srvMu.Unlock()

	f.mu.Lock()
	for s := range f.subs {
		delete(f.subs, s)
		close(s.ch)
	}
	f.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("feed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("feed: response does not support hijacking")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}
