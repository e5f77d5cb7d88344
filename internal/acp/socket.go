package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"claw/internal/shared/logging"
)

// DefaultSocketURL is the production ACP event stream endpoint.
const DefaultSocketURL = "https://acpx.virtuals.io"

const defaultDialTimeout = 20 * time.Second

// walletHeader carries the wallet address as the auth payload of the
// websocket handshake.
const walletHeader = "X-Wallet-Address"

// frame is the wire envelope for socket events in both directions. Inbound
// frames that carry an ackId must be acknowledged with an "ack" frame before
// any processing happens.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID *int64          `json:"ackId,omitempty"`
	OK    *bool           `json:"ok,omitempty"`
}

// Callbacks receive decoded job events from the stream. OnNewTask is
// required; OnEvaluate is optional (evaluation is handled externally).
type Callbacks struct {
	OnNewTask  func(JobEvent)
	OnEvaluate func(JobEvent)
}

// SocketOptions configure a Connect call.
type SocketOptions struct {
	URL           string
	WalletAddress string
	Callbacks     Callbacks
	Logger        logging.Logger

	// Backoff overrides the reconnect policy; zero value means DefaultBackoff.
	Backoff *Backoff
	// DialTimeout bounds each connection attempt (default 20s).
	DialTimeout time.Duration
	// OnStateChange is invoked with true on connect and false on disconnect.
	OnStateChange func(connected bool)

	// onGiveUp is called if the retry loop ever stops without a local
	// disconnect. Unlimited attempts make this unreachable; the default
	// exits non-zero so a hosting supervisor restarts the process.
	onGiveUp func()
}

// Socket is a persistent, self-healing connection to the ACP event stream.
type Socket struct {
	opts     SocketOptions
	endpoint string
	backoff  Backoff
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex // guards conn writes and replacement
	conn *websocket.Conn

	connected  atomic.Bool
	reconnects atomic.Uint64
	done       chan struct{}
}

// Connect dials the event stream and starts the receive loop. It returns
// immediately; connection failures are retried forever in the background.
// Call Disconnect to shut the channel down.
func Connect(opts SocketOptions) (*Socket, error) {
	if opts.WalletAddress == "" {
		return nil, fmt.Errorf("wallet address is required to connect")
	}
	if opts.Callbacks.OnNewTask == nil {
		return nil, fmt.Errorf("an OnNewTask callback is required")
	}

	endpoint, err := socketEndpoint(opts.URL)
	if err != nil {
		return nil, err
	}

	backoff := DefaultBackoff()
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.onGiveUp == nil {
		opts.onGiveUp = func() { os.Exit(1) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		opts:     opts,
		endpoint: endpoint,
		backoff:  backoff,
		logger:   logging.OrNop(opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go s.supervise()
	return s, nil
}

// socketEndpoint normalizes a configured URL into a websocket endpoint:
// http(s) schemes become ws(s), and a bare host gets the /ws path.
func socketEndpoint(raw string) (string, error) {
	if raw == "" {
		raw = DefaultSocketURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid socket URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid socket URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Connected reports whether the channel currently holds a live connection.
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

// Reconnects returns how many times the channel has re-established the
// connection since startup.
func (s *Socket) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Disconnect closes the connection and stops the reconnect loop. Safe to
// call more than once.
func (s *Socket) Disconnect() {
	s.cancel()

	s.mu.Lock()
	if s.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	<-s.done
}

// supervise owns the connect/read/reconnect cycle for the life of the
// socket. With unlimited attempts the run loop can only end on a local
// disconnect; anything else is treated as permanent failure and exits the
// process non-zero so the hosting supervisor restarts it.
func (s *Socket) supervise() {
	defer close(s.done)

	s.run()

	if s.ctx.Err() == nil {
		s.logger.Error("event channel stopped retrying, exiting for supervisor restart")
		s.opts.onGiveUp()
	}
}

// run dials, reads, and redials forever. Loss of the remote side triggers an
// immediate redial; failed dials back off exponentially with jitter.
func (s *Socket) run() {
	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, err := s.dial()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("connection error: %v", err)
			s.logger.Info("reconnect attempt #%d in %v (nominal)", attempt+1, s.backoff.Nominal(attempt))
			if err := s.backoff.Sleep(s.ctx, attempt); err != nil {
				return
			}
			attempt++
			continue
		}

		if attempt > 0 {
			s.reconnects.Add(1)
			s.logger.Info("reconnected after %d attempt(s)", attempt)
		} else {
			s.logger.Info("connected to ACP")
		}
		attempt = 0
		s.setConnected(true, conn)

		readErr := s.readLoop(conn)
		s.setConnected(false, nil)
		_ = conn.Close()

		if s.ctx.Err() != nil {
			return
		}
		// Remote-initiated disconnect: redial immediately, backoff kicks in
		// only if the redial fails.
		s.logger.Warn("disconnected: %v, reconnecting", readErr)
	}
}

func (s *Socket) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.opts.DialTimeout,
	}
	header := http.Header{}
	header.Set(walletHeader, s.opts.WalletAddress)

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, s.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", s.endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", s.endpoint, err)
	}
	return conn, nil
}

func (s *Socket) setConnected(connected bool, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(connected)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(connected)
	}
}

// readLoop consumes frames until the connection breaks. Every frame carrying
// an ackId is acknowledged synchronously, before its callback runs, so slow
// job processing can never trigger broker-side redelivery.
func (s *Socket) readLoop(conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			s.logger.Warn("discarding malformed frame: %v", err)
			continue
		}

		if f.AckID != nil {
			s.acknowledge(conn, *f.AckID)
		}

		s.handleFrame(f)
	}
}

func (s *Socket) acknowledge(conn *websocket.Conn, ackID int64) {
	ok := true
	ack := frame{Event: EventAck, AckID: &ackID, OK: &ok}

	s.mu.Lock()
	err := conn.WriteJSON(ack)
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("ack %d failed: %v", ackID, err)
	}
}

func (s *Socket) handleFrame(f frame) {
	switch f.Event {
	case EventRoomJoined:
		s.logger.Info("joined ACP room")

	case EventNewTask:
		event, err := decodeJobEvent(f.Data)
		if err != nil {
			s.logger.Error("onNewTask: undecodable job event: %v", err)
			return
		}
		s.logger.Info("onNewTask  jobId=%d  phase=%s", event.ID, event.Phase)
		s.opts.Callbacks.OnNewTask(event)

	case EventEvaluate:
		event, err := decodeJobEvent(f.Data)
		if err != nil {
			s.logger.Error("onEvaluate: undecodable job event: %v", err)
			return
		}
		s.logger.Info("onEvaluate  jobId=%d  phase=%s", event.ID, event.Phase)
		if s.opts.Callbacks.OnEvaluate != nil {
			s.opts.Callbacks.OnEvaluate(event)
		}

	default:
		s.logger.Debug("ignoring event %q", f.Event)
	}
}

func decodeJobEvent(data json.RawMessage) (JobEvent, error) {
	var event JobEvent
	if len(data) == 0 {
		return event, fmt.Errorf("empty event payload")
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return event, err
	}
	return event, nil
}

// String describes the channel for status output.
func (s *Socket) String() string {
	state := "disconnected"
	if s.Connected() {
		state = "connected"
	}
	return fmt.Sprintf("%s (%s, %d reconnects)", strings.TrimPrefix(s.endpoint, "wss://"), state, s.Reconnects())
}
