package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/anim-stream-service/internal/backend"
)

// Server exposes a backend over a websocket so that clients in other
// processes can drive it through Client
type Server struct {
	backend  backend.Backend
	streams  backend.StreamEvaluator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	instances map[string]backend.Handle
}

// NewServer wraps be. Persistent streams are served when be also implements
// backend.StreamEvaluator.
func NewServer(be backend.Backend, logger *slog.Logger) *Server {
	s := &Server{
		backend:   be,
		logger:    logger,
		instances: make(map[string]backend.Handle),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
	if se, ok := be.(backend.StreamEvaluator); ok {
		s.streams = se
	}
	return s
}

// Instances returns the number of instances created through the server
func (s *Server) Instances() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Close destroys every instance created through the server
func (s *Server) Close() {
	s.mu.Lock()
	handles := s.instances
	s.instances = make(map[string]backend.Handle)
	s.mu.Unlock()

	for id, h := range handles {
		if err := s.backend.DestroyInstance(h); err != nil {
			s.logger.Warn("Failed to destroy remote instance",
				slog.String("instance_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &serverConn{
		srv:      s,
		ws:       ws,
		logger:   s.logger.With(slog.String("remote_addr", r.RemoteAddr)),
		contexts: make(map[string]*serverContext),
		streams:  make(map[string]context.CancelFunc),
	}
	c.serve()
}

func (s *Server) instance(id string) (backend.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.instances[id]
	return h, ok
}

// serverConn is one client connection
type serverConn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	contexts map[string]*serverContext
	streams  map[string]context.CancelFunc

	wg sync.WaitGroup
}

// serverContext is the server side of one client execution context.
// Evaluate requests for it run in order on their own goroutine.
type serverContext struct {
	id        string
	ec        *backend.ExecutionContext
	queue     chan *Envelope
	cancelled atomic.Bool
	ended     atomic.Bool
}

func (c *serverConn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.wg.Wait()
		c.closeContexts()
		c.ws.Close()
	}()

	c.logger.Info("Remote backend client connected")

	for {
		env, err := readEnvelope(c.ws)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Remote backend connection failed", slog.String("error", err.Error()))
			} else {
				c.logger.Info("Remote backend client disconnected")
			}
			return
		}

		switch env.Type {
		case MsgCreateInstance:
			c.wg.Add(1)
			go c.createInstance(ctx, env)
		case MsgDestroyInstance:
			c.wg.Add(1)
			go c.destroyInstance(env)
		case MsgEvaluate:
			c.enqueue(ctx, env)
		case MsgStream:
			c.wg.Add(1)
			go c.stream(ctx, env)
		case MsgCancel:
			c.cancel(env)
		default:
			c.reply(env.ID, nil, fmt.Errorf("unknown message type %q", env.Type))
		}
	}
}

func (c *serverConn) write(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeEnvelope(c.ws, env)
}

func (c *serverConn) reply(id string, env *Envelope, err error) {
	if env == nil {
		env = &Envelope{}
	}
	env.Type = MsgResult
	env.ID = id
	if err != nil {
		env.Code = errorCode(err)
		env.Error = err.Error()
	}
	if werr := c.write(env); werr != nil {
		c.logger.Debug("Failed to write reply", slog.String("error", werr.Error()))
	}
}

func (c *serverConn) createInstance(ctx context.Context, env *Envelope) {
	defer c.wg.Done()

	var params backend.InstanceParams
	if env.Params != nil {
		params = *env.Params
	}

	h, err := c.srv.backend.CreateInstance(ctx, params)
	if err != nil {
		c.reply(env.ID, nil, err)
		return
	}

	id := uuid.NewString()
	c.srv.mu.Lock()
	c.srv.instances[id] = h
	c.srv.mu.Unlock()

	c.logger.Debug("Remote instance created", slog.String("instance_id", id))
	c.reply(env.ID, &Envelope{Instance: id}, nil)
}

func (c *serverConn) destroyInstance(env *Envelope) {
	defer c.wg.Done()

	c.srv.mu.Lock()
	h, ok := c.srv.instances[env.Instance]
	delete(c.srv.instances, env.Instance)
	c.srv.mu.Unlock()

	// Destroying an unknown instance is not an error
	if !ok {
		c.reply(env.ID, nil, nil)
		return
	}
	c.reply(env.ID, nil, c.srv.backend.DestroyInstance(h))
}

// enqueue routes an evaluate request to the goroutine of its context,
// opening the context on first use
func (c *serverConn) enqueue(ctx context.Context, env *Envelope) {
	c.mu.Lock()
	sc, ok := c.contexts[env.Context]
	if !ok {
		h, found := c.srv.instance(env.Instance)
		if !found {
			c.mu.Unlock()
			c.reply(env.ID, nil, backend.ErrInstanceLost)
			return
		}

		sc = &serverContext{id: env.Context, queue: make(chan *Envelope, 256)}
		sc.ec = &backend.ExecutionContext{
			Instance:   h,
			StreamName: env.StreamName,
			Callback:   c.callbackFor(sc),
		}
		c.contexts[sc.id] = sc

		c.wg.Add(1)
		go c.runContext(ctx, sc)
	}
	c.mu.Unlock()

	select {
	case sc.queue <- env:
	case <-ctx.Done():
	}
}

func (c *serverConn) runContext(ctx context.Context, sc *serverContext) {
	defer c.wg.Done()

	opened := false
	for {
		select {
		case env := <-sc.queue:
			in := inputFromWire(env.Input)
			err := c.srv.backend.Evaluate(ctx, sc.ec, in)

			// A context the backend never accepted is dropped
			closed := in.End || (err != nil && !opened)
			opened = opened || err == nil
			if closed {
				sc.ended.Store(true)
				c.mu.Lock()
				delete(c.contexts, sc.id)
				c.mu.Unlock()
			}
			c.reply(env.ID, nil, err)
			if closed {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// callbackFor forwards backend outputs to the client. A cancel from the
// client is picked up on the next data callback.
func (c *serverConn) callbackFor(sc *serverContext) backend.Callback {
	return func(out *backend.Outputs, state backend.CallbackState) backend.CallbackState {
		err := c.write(&Envelope{
			Type:    MsgOutput,
			Context: sc.id,
			Outputs: outputsToWire(out),
			State:   state,
		})
		if state != backend.StateDataPending {
			return state
		}
		if err != nil || sc.cancelled.Load() {
			return backend.StateCancel
		}
		return backend.StateDataPending
	}
}

func (c *serverConn) cancel(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sc, ok := c.contexts[env.Context]; ok {
		sc.cancelled.Store(true)
	}
	if cancel, ok := c.streams[env.ID]; ok {
		cancel()
	}
}

func (c *serverConn) stream(ctx context.Context, env *Envelope) {
	defer c.wg.Done()

	if c.srv.streams == nil {
		c.reply(env.ID, nil, backend.ErrNotAvailable)
		return
	}
	if env.Stream == nil {
		c.reply(env.ID, nil, errors.New("stream request missing"))
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.streams[env.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.streams, env.ID)
		c.mu.Unlock()
		cancel()
	}()

	err := c.srv.streams.EvaluateStream(sctx, env.Stream, func(frame *backend.StreamFrame, state backend.CallbackState) backend.CallbackState {
		if state != backend.StateDataPending {
			return state
		}
		if frame == nil {
			return backend.StateDataPending
		}
		if err := c.write(&Envelope{Type: MsgFrame, ID: env.ID, Frame: frame}); err != nil {
			return backend.StateCancel
		}
		if sctx.Err() != nil {
			return backend.StateCancel
		}
		return backend.StateDataPending
	})
	if sctx.Err() != nil {
		return
	}
	c.reply(env.ID, nil, err)
}

// closeContexts ends every context the client left open so its instance
// accepts new ones
func (c *serverConn) closeContexts() {
	c.mu.Lock()
	open := make([]*serverContext, 0, len(c.contexts))
	for _, sc := range c.contexts {
		open = append(open, sc)
	}
	c.contexts = make(map[string]*serverContext)
	c.mu.Unlock()

	for _, sc := range open {
		if sc.ended.Load() {
			continue
		}
		sc.cancelled.Store(true)
		if err := c.srv.backend.Evaluate(context.Background(), sc.ec, backend.Input{End: true, NoWait: true}); err != nil {
			c.logger.Debug("Failed to end abandoned context",
				slog.String("context_id", sc.id),
				slog.String("error", err.Error()),
			)
		}
	}
}
