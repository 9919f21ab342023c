package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/anim-stream-service/internal/anim"
	"github.com/skypro1111/anim-stream-service/internal/backend"
)

// Config contains remote backend client configuration
type Config struct {
	URL               string
	DialTimeout       time.Duration
	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	MaxBackoff        time.Duration
}

// Client drives a backend served by Server in another process. It shares one
// connection between execution contexts and opens a dedicated connection per
// persistent stream.
type Client struct {
	config Config
	logger *slog.Logger
	dialer websocket.Dialer

	mu   sync.Mutex
	conn *clientConn

	bindMu sync.Mutex
	bound  map[*backend.ExecutionContext]*binding
}

type handle struct {
	id string
}

// binding ties an execution context to the connection its server side lives on
type binding struct {
	id   string
	conn *clientConn
}

// NewClient creates a client; the connection is dialed on first use
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	return &Client{
		config: config,
		logger: logger.With(slog.String("url", config.URL)),
		dialer: websocket.Dialer{HandshakeTimeout: config.DialTimeout},
		bound:  make(map[*backend.ExecutionContext]*binding),
	}
}

// Name returns the backend name
func (c *Client) Name() string {
	return "remote"
}

// CreateInstance creates an instance on the remote backend
func (c *Client) CreateInstance(ctx context.Context, params backend.InstanceParams) (backend.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	conn, err := c.connection(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrNotAvailable, err)
	}

	reply, err := conn.do(ctx, &Envelope{Type: MsgCreateInstance, Params: &params})
	if err != nil {
		return nil, err
	}
	return &handle{id: reply.Instance}, nil
}

// DestroyInstance destroys a remote instance
func (c *Client) DestroyInstance(h backend.Handle) error {
	rh, ok := h.(*handle)
	if !ok || rh == nil {
		return fmt.Errorf("not a remote backend handle: %T", h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()

	conn, err := c.connection(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrNotAvailable, err)
	}
	_, err = conn.do(ctx, &Envelope{Type: MsgDestroyInstance, Instance: rh.id})
	return err
}

// Evaluate sends one input for ec. Outputs are delivered to ec.Callback from
// the connection read loop. A context whose connection dropped reports
// backend.ErrInstanceLost.
func (c *Client) Evaluate(ctx context.Context, ec *backend.ExecutionContext, in backend.Input) error {
	if ec == nil || ec.Callback == nil {
		return errors.New("execution context has no callback")
	}
	rh, ok := ec.Instance.(*handle)
	if !ok || rh == nil {
		return backend.ErrNotAvailable
	}

	c.bindMu.Lock()
	b := c.bound[ec]
	c.bindMu.Unlock()

	if b != nil && b.conn.isClosed() {
		c.unbind(ec)
		return fmt.Errorf("remote connection closed: %w", backend.ErrInstanceLost)
	}

	fresh := b == nil
	if fresh {
		if in.End {
			// Nothing was ever sent for this context
			return nil
		}

		conn, err := c.connection(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", backend.ErrInstanceLost, err)
		}
		b = &binding{id: uuid.NewString(), conn: conn}
		conn.register(b.id, ec.Callback)

		c.bindMu.Lock()
		c.bound[ec] = b
		c.bindMu.Unlock()
	}

	_, err := b.conn.do(ctx, &Envelope{
		Type:       MsgEvaluate,
		Context:    b.id,
		Instance:   rh.id,
		StreamName: ec.StreamName,
		Input:      inputToWire(in),
	})
	if in.End || (fresh && err != nil) {
		c.unbind(ec)
	}
	if fresh && err != nil {
		b.conn.unregister(b.id)
	}
	return err
}

func (c *Client) unbind(ec *backend.ExecutionContext) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	delete(c.bound, ec)
}

// EvaluateStream follows a persistent stream, reconnecting with exponential
// backoff when the connection drops. Once ReconnectAttempts is exhausted the
// callback receives a frame with backend.StatusConnectionLost.
func (c *Client) EvaluateStream(ctx context.Context, req *backend.StreamRequest, cb backend.StreamCallback) error {
	failures := 0
	for {
		done, frames, err := c.streamOnce(ctx, req, cb)
		if done {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if frames > 0 {
			failures = 0
		}
		failures++
		if failures > c.config.ReconnectAttempts {
			c.logger.Error("Persistent stream connection lost",
				slog.String("stream_name", req.StreamName),
				slog.Int("attempts", failures),
				slog.String("error", err.Error()),
			)
			cb(&backend.StreamFrame{Status: backend.StatusConnectionLost, Timestamp: anim.TimestampUnknown}, backend.StateDataPending)
			return nil
		}

		delay := c.backoff(failures)
		c.logger.Warn("Persistent stream connection failed, reconnecting",
			slog.String("stream_name", req.StreamName),
			slog.Int("attempt", failures),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff doubles the base delay per failure up to MaxBackoff
func (c *Client) backoff(failures int) time.Duration {
	delay := c.config.ReconnectBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= c.config.MaxBackoff {
			return c.config.MaxBackoff
		}
	}
	return delay
}

// streamOnce runs one connection of a persistent stream. done is false when
// the connection failed and a reconnect may help.
func (c *Client) streamOnce(ctx context.Context, req *backend.StreamRequest, cb backend.StreamCallback) (done bool, frames int, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return false, 0, fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	id := uuid.NewString()
	if err := writeEnvelope(ws, &Envelope{Type: MsgStream, ID: id, Stream: req}); err != nil {
		return false, 0, err
	}

	for {
		env, err := readEnvelope(ws)
		if err != nil {
			if ctx.Err() != nil {
				return true, frames, ctx.Err()
			}
			return false, frames, err
		}

		switch env.Type {
		case MsgFrame:
			if env.Frame == nil {
				continue
			}
			frames++
			if cb(env.Frame, backend.StateDataPending) == backend.StateCancel {
				_ = writeEnvelope(ws, &Envelope{Type: MsgCancel, ID: id})
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return true, frames, nil
			}

		case MsgResult:
			if err := errorFromEnvelope(env); err != nil {
				return true, frames, err
			}
			cb(nil, backend.StateDone)
			return true, frames, nil
		}
	}
}

// Close drops the shared connection. Open contexts report
// backend.ErrInstanceLost on their next evaluate.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	return nil
}

// connection returns the shared connection, dialing it if needed
func (c *Client) connection(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.isClosed() {
		return c.conn, nil
	}

	ws, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	conn := &clientConn{
		ws:        ws,
		logger:    c.logger,
		pending:   make(map[string]chan *Envelope),
		callbacks: make(map[string]*clientContext),
		closeCh:   make(chan struct{}),
	}
	go conn.readLoop()

	c.conn = conn
	c.logger.Info("Connected to remote backend")
	return conn, nil
}

// clientConn is the shared request connection
type clientConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan *Envelope
	callbacks map[string]*clientContext

	closeCh   chan struct{}
	closeOnce sync.Once
}

type clientContext struct {
	cb         backend.Callback
	cancelSent bool
}

func (c *clientConn) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.ws.Close()
	})
}

func (c *clientConn) register(id string, cb backend.Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[id] = &clientContext{cb: cb}
}

func (c *clientConn) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, id)
}

func (c *clientConn) write(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeEnvelope(c.ws, env)
}

// do sends a request and waits for its result
func (c *clientConn) do(ctx context.Context, env *Envelope) (*Envelope, error) {
	env.ID = uuid.NewString()
	ch := make(chan *Envelope, 1)

	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}

	if err := c.write(env); err != nil {
		forget()
		c.close()
		return nil, fmt.Errorf("send %s: %w", env.Type, backend.ErrInstanceLost)
	}

	select {
	case reply := <-ch:
		return reply, errorFromEnvelope(reply)
	case <-c.closeCh:
		return nil, fmt.Errorf("remote connection closed: %w", backend.ErrInstanceLost)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (c *clientConn) readLoop() {
	defer c.close()

	for {
		env, err := readEnvelope(c.ws)
		if err != nil {
			if !c.isClosed() {
				c.logger.Warn("Remote backend connection lost", slog.String("error", err.Error()))
			}
			return
		}

		switch env.Type {
		case MsgResult:
			c.mu.Lock()
			ch := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- env
			}

		case MsgOutput:
			c.deliver(env)

		default:
			c.logger.Debug("Ignoring unexpected message", slog.String("type", env.Type))
		}
	}
}

// deliver runs the callback of an output message and forwards a cancel
// request once
func (c *clientConn) deliver(env *Envelope) {
	c.mu.Lock()
	cc := c.callbacks[env.Context]
	if env.State != backend.StateDataPending {
		delete(c.callbacks, env.Context)
	}
	c.mu.Unlock()

	if cc == nil {
		return
	}

	res := cc.cb(outputsFromWire(env.Outputs), env.State)
	if env.State == backend.StateDataPending && res == backend.StateCancel && !cc.cancelSent {
		cc.cancelSent = true
		if err := c.write(&Envelope{Type: MsgCancel, Context: env.Context}); err != nil {
			c.logger.Debug("Failed to send cancel", slog.String("error", err.Error()))
		}
	}
}
