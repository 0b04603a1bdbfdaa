package ocppj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ocpp-gateway/internal/domain"
	"ocpp-gateway/internal/infra/tracer"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	sendQueueSize       = 64
	maxIDAttempts       = 8
)

// Handler processes an inbound Call and returns the CallResult payload.
// Returning a *CallError replies with that error code; any other error
// replies with InternalError.
type Handler func(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error)

// ConnOptions configures a Conn. Zero values select defaults.
type ConnOptions struct {
	Identity     string
	RemoteAddr   string
	CallTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxInFlight bounds outstanding outbound calls. OCPP-J 1.6 allows one;
	// zero or negative lifts the limit.
	MaxInFlight int
	Validator   Validator
	IDGenerator IDGenerator
	Logger      *slog.Logger
	Bus         domain.EventBus
}

type pendingCall struct {
	action string
	sentAt time.Time
	timer  *time.Timer
	reply  chan callOutcome
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

type outbound struct {
	data []byte
	errc chan error
}

// Conn is the RPC correlation engine bound to one transport. It matches
// CallResult and CallError replies to pending outbound calls by unique id
// and dispatches inbound Calls to a Handler.
type Conn struct {
	transport Transport
	handler   Handler
	opts      ConnOptions
	logger    *slog.Logger
	started   time.Time

	mu          sync.Mutex
	pending     map[string]*pendingCall
	closed      bool
	closeCode   int
	closeReason string

	slots     chan struct{}
	sendCh    chan outbound
	done      chan struct{}
	closeOnce sync.Once

	startOnce sync.Once
	ready     chan struct{}
	readyOnce sync.Once
	readDone  chan struct{}
	readErr   error

	ctx       context.Context
	cancel    context.CancelFunc
}

// NewConn creates an engine over t. Call Run, or Start, Ready and Wait, to
// process frames.
func NewConn(t Transport, handler Handler, opts ConnOptions) *Conn {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = NewUniqueID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Identity != "" {
		logger = logger.With("identity", opts.Identity)
	}

	c := &Conn{
		transport: t,
		handler:   handler,
		opts:      opts,
		logger:    logger,
		started:   time.Now(),
		pending:   make(map[string]*pendingCall),
		sendCh:    make(chan outbound, sendQueueSize),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	if opts.MaxInFlight > 0 {
		c.slots = make(chan struct{}, opts.MaxInFlight)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if opts.Identity != "" {
		c.ctx = domain.ContextWithIdentity(c.ctx, opts.Identity)
	}
	return c
}

// Identity returns the charge point identity this connection belongs to.
func (c *Conn) Identity() string { return c.opts.Identity }

// RemoteAddr returns the peer address recorded at creation.
func (c *Conn) RemoteAddr() string { return c.opts.RemoteAddr }

// Subprotocol returns the negotiated subprotocol.
func (c *Conn) Subprotocol() string { return c.transport.Subprotocol() }

// StartedAt returns when the connection was created.
func (c *Conn) StartedAt() time.Time { return c.started }

// Done is closed once the connection has moved to the closed state.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection is closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseStatus returns the close code and reason once the connection is closed.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Pending returns the number of outbound calls awaiting a reply.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run starts the connection, releases inbound calls and blocks until the
// read loop ends. It returns the error that ended the read loop.
func (c *Conn) Run(ctx context.Context) error {
	c.Start(ctx)
	c.Ready()
	return c.Wait()
}

// Start launches the write and read loops. Outbound calls and replies flow
// as soon as Start returns; inbound Calls are held until Ready. Cancelling
// ctx closes the connection with GoingAway.
func (c *Conn) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.writeLoop()
		go c.readLoop(ctx)
	})
}

// Ready releases inbound Calls to the handler.
func (c *Conn) Ready() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Wait blocks until the read loop ends and returns the error that ended it.
func (c *Conn) Wait() error {
	<-c.readDone
	return c.readErr
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.readDone)
	stop := context.AfterFunc(ctx, func() {
		c.Close(StatusGoingAway, "server shutting down")
	})
	defer stop()

	for {
		data, err := c.transport.ReadMessage(c.ctx)
		if err != nil {
			code, reason := StatusAbnormalClosure, "connection lost"
			var ce *CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Reason
			}
			c.shutdown(code, reason)
			c.transport.Close(code, reason)
			c.readErr = err
			return
		}
		c.dispatch(data)
	}
}

// Close closes the connection with the given WebSocket close code. Pending
// calls fail with ErrTransportClosed before Close returns.
func (c *Conn) Close(code int, reason string) error {
	if !c.shutdown(code, reason) {
		return nil
	}
	return c.transport.Close(code, reason)
}

// shutdown moves the connection to the closed state and fails every pending
// call. It reports whether this invocation performed the transition.
func (c *Conn) shutdown(code int, reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true

		c.mu.Lock()
		c.closed = true
		c.closeCode, c.closeReason = code, reason
		pending := c.pending
		c.pending = make(map[string]*pendingCall)
		c.mu.Unlock()

		close(c.done)
		c.cancel()

		for _, p := range pending {
			p.timer.Stop()
			p.reply <- callOutcome{err: domain.NewSubSystemError("rpc", "Conn.Call", domain.ErrTransportClosed, p.action)}
		}
		c.logger.Info("connection closed", "code", code, "reason", reason, "failed_calls", len(pending))
	})
	return first
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case out := <-c.sendCh:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err := c.transport.WriteMessage(ctx, out.data)
			cancel()
			out.errc <- err
			if err != nil {
				c.logger.Warn("write failed", "error", err)
				c.Close(StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// enqueue serializes f and hands it to the write loop. The returned
// channel yields the write result.
func (c *Conn) enqueue(ctx context.Context, f Frame) (<-chan error, error) {
	data, err := Encode(f)
	if err != nil {
		return nil, err
	}
	out := outbound{data: data, errc: make(chan error, 1)}
	select {
	case c.sendCh <- out:
		return out.errc, nil
	case <-c.done:
		return nil, domain.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send enqueues f and waits for the write to complete.
func (c *Conn) send(ctx context.Context, f Frame) error {
	errc, err := c.enqueue(ctx, f)
	if err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return domain.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends an action to the peer and waits for the matching reply. It
// fails with ErrCallTimeout when no reply arrives within the call timeout,
// ErrTransportClosed when the connection closes first, or *CallError when
// the peer answered with a CallError.
func (c *Conn) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "ocppj.call",
		trace.WithAttributes(tracer.CallAttrs(c.opts.Identity, action, "")...))
	defer span.End()

	result, err := c.call(ctx, span, action, payload)
	tracer.Finish(span, err)
	return result, err
}

func (c *Conn) call(ctx context.Context, span trace.Span, action string, payload any) (json.RawMessage, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, domain.NewDomainError("Conn.Call", domain.ErrPayloadInvalid, err.Error())
	}
	if c.opts.Validator != nil {
		if err := c.opts.Validator.ValidateRequest(action, data); err != nil {
			return nil, domain.WrapOp("Conn.Call", err)
		}
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	id, p, err := c.register(action)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracer.UniqueID(id))

	errc, err := c.enqueue(ctx, CallFrame(id, action, data))
	if err != nil {
		return nil, c.abandon(id, p, action, err)
	}

	// The call timeout and ctx stay armed while the frame waits for the
	// write loop.
	for {
		select {
		case err := <-errc:
			errc = nil
			if err != nil {
				return nil, c.abandon(id, p, action, err)
			}
			c.logger.Debug("call sent", "action", action, "unique_id", id)
			c.publish(domain.EventCallSent, map[string]string{"action": action, "unique_id": id})
		case out := <-p.reply:
			return out.payload, out.err
		case <-ctx.Done():
			if c.take(id) != nil {
				p.timer.Stop()
				return nil, domain.WrapOp("Conn.Call", ctx.Err())
			}
			// A reply, timeout or close won the race and is delivering.
			out := <-p.reply
			return out.payload, out.err
		}
	}
}

// abandon drops the pending entry of a call whose frame was not written.
// If a timeout or close already took the entry, its outcome is returned.
func (c *Conn) abandon(id string, p *pendingCall, action string, err error) error {
	if c.take(id) == nil {
		return (<-p.reply).err
	}
	p.timer.Stop()
	if errors.Is(err, domain.ErrTransportClosed) {
		return domain.NewSubSystemError("rpc", "Conn.Call", domain.ErrTransportClosed, action)
	}
	return domain.WrapOp("Conn.Call", err)
}

func (c *Conn) acquire(ctx context.Context) error {
	if c.Closed() {
		return domain.NewSubSystemError("rpc", "Conn.Call", domain.ErrTransportClosed, "")
	}
	if c.slots == nil {
		return nil
	}
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-c.done:
		return domain.NewSubSystemError("rpc", "Conn.Call", domain.ErrTransportClosed, "")
	case <-ctx.Done():
		return domain.WrapOp("Conn.Call", ctx.Err())
	}
}

func (c *Conn) release() {
	if c.slots != nil {
		<-c.slots
	}
}

// register allocates a unique id and records the pending call. The
// timeout timer starts here so the reply can never race its registration.
func (c *Conn) register(action string) (string, *pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", nil, domain.NewSubSystemError("rpc", "Conn.Call", domain.ErrTransportClosed, action)
	}

	var id string
	for attempt := 0; ; attempt++ {
		if attempt == maxIDAttempts {
			return "", nil, fmt.Errorf("Conn.Call: could not allocate a unique id for %s", action)
		}
		id = c.opts.IDGenerator()
		if _, dup := c.pending[id]; id != "" && len(id) <= MaxUniqueIDLength && !dup {
			break
		}
	}

	p := &pendingCall{
		action: action,
		sentAt: time.Now(),
		reply:  make(chan callOutcome, 1),
	}
	p.timer = time.AfterFunc(c.opts.CallTimeout, func() { c.expire(id) })
	c.pending[id] = p
	return id, p, nil
}

// take removes and returns the pending call for id. Exactly one of reply,
// timeout, cancellation or close obtains a given entry.
func (c *Conn) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Conn) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.logger.Warn("call timed out", "action", p.action, "unique_id", id, "timeout", c.opts.CallTimeout)
	c.publish(domain.EventCallTimeout, map[string]string{"action": p.action, "unique_id": id})
	p.reply <- callOutcome{err: domain.NewSubSystemError("rpc", "Conn.Call", domain.ErrCallTimeout, p.action)}
}

func (c *Conn) dispatch(data []byte) {
	f, err := Decode(data)
	if err != nil {
		c.violation(err)
		return
	}
	switch f.Type {
	case MessageTypeCall:
		go c.handleCall(f)
	case MessageTypeCallResult, MessageTypeCallError:
		c.resolve(f)
	}
}

func (c *Conn) violation(err error) {
	c.logger.Warn("protocol violation", "error", err)
	c.publish(domain.EventProtocolViolation, map[string]string{"error": err.Error()})

	var fe *FrameError
	if !errors.As(err, &fe) || !fe.Replyable() {
		return
	}
	reply := CallErrorFrame(fe.UniqueID, fe.Code, fe.Reason, nil)
	go func() {
		if err := c.send(c.ctx, reply); err != nil {
			c.logger.Debug("protocol error reply not sent", "unique_id", fe.UniqueID, "error", err)
		}
	}()
}

func (c *Conn) resolve(f Frame) {
	p := c.take(f.UniqueID)
	if p == nil {
		c.logger.Warn("reply for unknown call dropped", "unique_id", f.UniqueID, "type", f.Type.String())
		c.publish(domain.EventProtocolViolation, map[string]string{
			"error":     "unmatched reply",
			"unique_id": f.UniqueID,
		})
		return
	}
	p.timer.Stop()
	c.logger.Debug("reply received", "action", p.action, "unique_id", f.UniqueID,
		"type", f.Type.String(), "latency", time.Since(p.sentAt))

	if f.Type == MessageTypeCallError {
		p.reply <- callOutcome{err: &CallError{
			Code:        f.ErrorCode,
			Description: f.ErrorDescription,
			Details:     f.ErrorDetails,
		}}
		return
	}
	if c.opts.Validator != nil {
		if err := c.opts.Validator.ValidateResponse(p.action, f.Payload); err != nil {
			p.reply <- callOutcome{err: domain.WrapOp("Conn.Call", err)}
			return
		}
	}
	p.reply <- callOutcome{payload: f.Payload}
}

func (c *Conn) handleCall(f Frame) {
	select {
	case <-c.ready:
	case <-c.done:
		return
	}
	ctx := domain.ContextWithUniqueID(c.ctx, f.UniqueID)
	ctx, span := tracer.StartSpan(ctx, "ocppj.handle",
		trace.WithAttributes(tracer.CallAttrs(c.opts.Identity, f.Action, f.UniqueID)...))
	defer span.End()

	c.publish(domain.EventCallReceived, map[string]string{"action": f.Action, "unique_id": f.UniqueID})

	reply := c.invoke(ctx, f)
	if reply.Type == MessageTypeCallError {
		span.SetAttributes(tracer.ErrorCode(string(reply.ErrorCode)))
		tracer.Finish(span, errors.New(reply.ErrorDescription))
	} else {
		tracer.Finish(span, nil)
	}

	if err := c.send(c.ctx, reply); err != nil {
		c.logger.Debug("reply not sent", "action", f.Action, "unique_id", f.UniqueID, "error", err)
	}
}

// invoke runs the handler and always yields exactly one reply frame.
func (c *Conn) invoke(ctx context.Context, f Frame) (reply Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "action", f.Action, "unique_id", f.UniqueID, "panic", r)
			reply = CallErrorFrame(f.UniqueID, InternalError, "internal error", nil)
		}
	}()

	if c.opts.Validator != nil {
		if err := c.opts.Validator.ValidateRequest(f.Action, f.Payload); err != nil {
			return CallErrorFrame(f.UniqueID, FormationViolation, err.Error(), nil)
		}
	}
	if c.handler == nil {
		return CallErrorFrame(f.UniqueID, NotImplemented, "action "+f.Action+" not implemented", nil)
	}

	result, err := c.handler(ctx, f.Action, f.Payload)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			return CallErrorFrame(f.UniqueID, ce.Code, ce.Description, ce.Details)
		}
		c.logger.Warn("handler failed", "action", f.Action, "unique_id", f.UniqueID, "error", err)
		return CallErrorFrame(f.UniqueID, InternalError, err.Error(), nil)
	}
	if len(result) == 0 {
		result = emptyObject
	}
	if c.opts.Validator != nil {
		if err := c.opts.Validator.ValidateResponse(f.Action, result); err != nil {
			c.logger.Error("handler returned invalid response", "action", f.Action, "error", err)
			return CallErrorFrame(f.UniqueID, InternalError, "response failed validation", nil)
		}
	}
	return CallResultFrame(f.UniqueID, result)
}

func (c *Conn) publish(typ domain.EventType, payload any) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(c.ctx, domain.NewEvent(typ, c.opts.Identity, payload))
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		if !isObject(v) {
			return nil, errors.New("payload must be a JSON object")
		}
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if !isObject(data) {
			return nil, errors.New("payload must be a JSON object")
		}
		return data, nil
	}
}
