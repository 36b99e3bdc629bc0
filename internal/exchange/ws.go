// ws.go implements the realtime WebSocket client.
//
// A single session carries every realtime registration. Each subscribed
// symbol registers two streams (trade prints + orderbook snapshots) against
// the broker-wide cap of 41 registrations, so at most 20 symbols stream
// concurrently; the 21st subscribe is refused with CAPACITY_EXCEEDED and the
// caller falls back to polling.
//
// The session auto-reconnects with exponential backoff (1s → 30s max) and
// re-issues every tracked subscription before reporting healthy again. The
// broker sends PINGPONG keepalives which must be echoed verbatim; a read
// deadline (90s) detects silent server failures. Subscribe blocks until the
// broker acknowledges both registrations or a deterministic timeout expires.
package exchange

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

const (
	readTimeout         = 90 * time.Second // ~2 missed keepalives triggers reconnect
	writeTimeout        = 10 * time.Second // deadline for outgoing messages
	maxReconnectWait    = 30 * time.Second // cap on exponential backoff
	subscribeAckTimeout = 15 * time.Second // deterministic subscribe timeout
)

// StreamStats is a snapshot of stream client health counters.
type StreamStats struct {
	Connected    bool
	Healthy      bool
	Symbols      int
	UsageRatio   float64
	Connects     int64
	Delivered    int64
	DecodeErrors int64
}

// StreamClient manages the realtime WebSocket session: connection lifecycle,
// subscription tracking, frame decoding, and automatic reconnection.
// Decoded events are delivered to a single sink callback registered before
// Run starts; the sink must not block the reader.
type StreamClient struct {
	url  string
	auth *TokenManager

	conn        *websocket.Conn
	connMu      sync.Mutex // protects conn and approvalKey
	approvalKey string

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // symbols with both registrations held

	pendingMu   sync.Mutex
	pendingAcks map[string]chan error // tr_id|symbol → ack waiter

	sink        types.StreamCallback
	onReconnect func()

	connected  atomic.Bool
	lastMsg    atomic.Int64 // unix nano of last inbound frame
	connects   atomic.Int64
	delivered  atomic.Int64
	decodeErrs atomic.Int64

	logger *slog.Logger
}

// NewStreamClient creates a stream client. The sink receives every decoded
// event; the approval key is fetched from auth on each connect.
func NewStreamClient(wsURL string, auth *TokenManager, sink types.StreamCallback, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		url:         wsURL,
		auth:        auth,
		subscribed:  make(map[string]bool),
		pendingAcks: make(map[string]chan error),
		sink:        sink,
		logger:      logger.With("component", "stream"),
	}
}

// SetOnReconnect registers a hook invoked after a reconnect has re-issued
// all tracked subscriptions. Must be called before Run.
func (s *StreamClient) SetOnReconnect(fn func()) { s.onReconnect = fn }

// Run connects and maintains the WebSocket session with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *StreamClient) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe registers both realtime streams for a symbol. Idempotent; blocks
// until the broker acknowledges or the ack timeout fires. On any failure the
// symbol holds no capacity.
func (s *StreamClient) Subscribe(ctx context.Context, symbol string) error {
	if !s.connected.Load() {
		return types.NewError(types.ErrTransport, "subscribe %s: stream not connected", symbol)
	}

	// Reserve capacity under the lock so concurrent subscribes cannot both
	// squeeze past the cap.
	s.subscribedMu.Lock()
	if s.subscribed[symbol] {
		s.subscribedMu.Unlock()
		return nil
	}
	if 2*(len(s.subscribed)+1) > StreamCap {
		s.subscribedMu.Unlock()
		return types.NewError(types.ErrCapacityExceeded,
			"subscribe %s: %d registrations held, cap %d", symbol, 2*len(s.subscribed), StreamCap)
	}
	s.subscribed[symbol] = true
	s.subscribedMu.Unlock()

	release := func() {
		s.subscribedMu.Lock()
		delete(s.subscribed, symbol)
		s.subscribedMu.Unlock()
	}

	tradeAck := s.addPending(trStreamTrade, symbol)
	bookAck := s.addPending(trStreamBook, symbol)
	defer s.removePending(trStreamTrade, symbol)
	defer s.removePending(trStreamBook, symbol)

	if err := s.writeRequest(trStreamTrade, symbol, true); err != nil {
		release()
		return types.WrapError(types.ErrTransport, err, "subscribe %s", symbol)
	}
	if err := s.writeRequest(trStreamBook, symbol, true); err != nil {
		release()
		return types.WrapError(types.ErrTransport, err, "subscribe %s", symbol)
	}

	timer := time.NewTimer(subscribeAckTimeout)
	defer timer.Stop()
	for _, ack := range []chan error{tradeAck, bookAck} {
		select {
		case err := <-ack:
			if err != nil {
				release()
				return err
			}
		case <-timer.C:
			release()
			return types.NewError(types.ErrTransport, "subscribe %s: ack timeout", symbol)
		case <-ctx.Done():
			release()
			return ctx.Err()
		}
	}

	s.logger.Info("symbol subscribed", "symbol", symbol, "streams", s.registrations())
	return nil
}

// Unsubscribe releases both registrations for a symbol. Local capacity is
// freed even when the socket is down; the broker side dies with the session.
func (s *StreamClient) Unsubscribe(ctx context.Context, symbol string) error {
	s.subscribedMu.Lock()
	held := s.subscribed[symbol]
	delete(s.subscribed, symbol)
	s.subscribedMu.Unlock()
	if !held {
		return nil
	}

	if s.connected.Load() {
		if err := s.writeRequest(trStreamTrade, symbol, false); err != nil {
			s.logger.Warn("unsubscribe write failed", "symbol", symbol, "error", err)
			return nil
		}
		_ = s.writeRequest(trStreamBook, symbol, false)
	}
	s.logger.Info("symbol unsubscribed", "symbol", symbol, "streams", s.registrations())
	return nil
}

// IsConnected reports whether the session is currently established.
func (s *StreamClient) IsConnected() bool { return s.connected.Load() }

// IsHealthy reports connected AND a frame seen within the keepalive window.
func (s *StreamClient) IsHealthy() bool {
	if !s.connected.Load() {
		return false
	}
	last := time.Unix(0, s.lastMsg.Load())
	return time.Since(last) < readTimeout
}

// SubscribedSymbols returns the symbols currently holding stream capacity.
func (s *StreamClient) SubscribedSymbols() []string {
	s.subscribedMu.RLock()
	defer s.subscribedMu.RUnlock()
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	return out
}

// UsageRatio returns held registrations over the cap, 0..1.
func (s *StreamClient) UsageRatio() float64 {
	return float64(s.registrations()) / float64(StreamCap)
}

// Stats returns a health counter snapshot.
func (s *StreamClient) Stats() StreamStats {
	return StreamStats{
		Connected:    s.IsConnected(),
		Healthy:      s.IsHealthy(),
		Symbols:      s.registrations() / 2,
		UsageRatio:   s.UsageRatio(),
		Connects:     s.connects.Load(),
		Delivered:    s.delivered.Load(),
		DecodeErrors: s.decodeErrs.Load(),
	}
}

func (s *StreamClient) registrations() int {
	s.subscribedMu.RLock()
	defer s.subscribedMu.RUnlock()
	return 2 * len(s.subscribed)
}

// Close tears down the connection.
func (s *StreamClient) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *StreamClient) connectAndRead(ctx context.Context) error {
	// A fresh approval key each connect so a server-side revocation cannot
	// wedge reconnection.
	approval, err := s.auth.ApprovalKey(ctx, true)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return types.WrapError(types.ErrTransport, err, "dial %s", s.url)
	}

	s.connMu.Lock()
	s.conn = conn
	s.approvalKey = approval
	s.connMu.Unlock()

	defer func() {
		s.connected.Store(false)
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// Replay every tracked subscription before reporting healthy.
	resubscribed := s.replaySubscriptions()
	s.connected.Store(true)
	s.lastMsg.Store(time.Now().UnixNano())
	s.connects.Add(1)
	s.logger.Info("stream connected", "resubscribed", resubscribed)

	if s.onReconnect != nil && s.connects.Load() > 1 {
		go s.onReconnect()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return types.WrapError(types.ErrTransport, err, "read")
		}
		s.lastMsg.Store(time.Now().UnixNano())

		s.dispatch(msg)
	}
}

// replaySubscriptions re-issues both registrations for every tracked symbol
// on the fresh connection. Write failures surface through the read loop.
func (s *StreamClient) replaySubscriptions() int {
	s.subscribedMu.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subscribedMu.RUnlock()

	for _, sym := range symbols {
		if err := s.writeRequest(trStreamTrade, sym, true); err != nil {
			s.logger.Warn("resubscribe failed", "symbol", sym, "error", err)
			continue
		}
		if err := s.writeRequest(trStreamBook, sym, true); err != nil {
			s.logger.Warn("resubscribe failed", "symbol", sym, "error", err)
		}
	}
	return len(symbols)
}

func (s *StreamClient) dispatch(raw []byte) {
	if isDataFrame(raw) {
		events, err := parseDataFrame(raw)
		if err != nil {
			s.decodeErrs.Add(1)
			s.logger.Warn("bad data frame", "error", err)
			return
		}
		for _, ev := range events {
			s.sink(ev)
			s.delivered.Add(1)
		}
		return
	}

	ctrl, err := parseControlFrame(raw)
	if err != nil {
		s.logger.Debug("ignoring unparseable frame", "error", err)
		return
	}

	if ctrl.IsPing() {
		// Keepalive must be echoed verbatim.
		if err := s.writeRaw(ctrl.Raw); err != nil {
			s.logger.Warn("keepalive echo failed", "error", err)
		}
		return
	}

	key := ctrl.TrID + "|" + ctrl.TrKey
	var ackErr error
	if !ctrl.AckOK() {
		ackErr = types.NewError(types.ErrBrokerRejected,
			"stream %s %s: [%s] %s", ctrl.TrID, ctrl.TrKey, ctrl.MsgCd, ctrl.Msg1)
	}

	s.pendingMu.Lock()
	waiter := s.pendingAcks[key]
	s.pendingMu.Unlock()

	if waiter != nil {
		select {
		case waiter <- ackErr:
		default:
		}
		return
	}
	if ackErr != nil {
		// Unsolicited refusal, e.g. a replayed subscription bounced.
		s.logger.Warn("subscription refused", "tr_id", ctrl.TrID, "symbol", ctrl.TrKey, "msg", ctrl.Msg1)
	}
}

func (s *StreamClient) addPending(trID, symbol string) chan error {
	ch := make(chan error, 1)
	s.pendingMu.Lock()
	s.pendingAcks[trID+"|"+symbol] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *StreamClient) removePending(trID, symbol string) {
	s.pendingMu.Lock()
	delete(s.pendingAcks, trID+"|"+symbol)
	s.pendingMu.Unlock()
}

func (s *StreamClient) writeRequest(trID, symbol string, subscribe bool) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return types.NewError(types.ErrTransport, "stream not connected")
	}
	msg := newStreamRequest(s.approvalKey, trID, symbol, subscribe)
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *StreamClient) writeRaw(data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return types.NewError(types.ErrTransport, "stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
