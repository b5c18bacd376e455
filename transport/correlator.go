package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/primevault/vaultlink/interfaces"
)

const (
	// DefaultTimeout bounds a call when no explicit timeout is given.
	DefaultTimeout = 15 * time.Second

	// DefaultMisattributionRetries is how many shape-mismatched replies a
	// call tolerates before failing with ErrMisattributedReply.
	DefaultMisattributionRetries = 3

	// DefaultMisattributionBackoff is the delay before re-publishing the
	// request after a misattributed reply.
	DefaultMisattributionBackoff = 300 * time.Millisecond
)

// Sealer wraps and unwraps call payloads, typically with the envelope
// codec. A nil Sealer sends payloads in plaintext.
type Sealer interface {
	Seal(payload []byte) ([]byte, error)
	Open(payload []byte) ([]byte, error)
}

// ShapeRule judges whether a reply's observable shape answers the given
// operation. Used only on the legacy shared reply subject where replies
// carry no request id.
type ShapeRule func(reply *interfaces.ReplyMessage) bool

// ListShape returns a rule for list-type operations: the reply must carry a
// recognizable collection under the given key.
func ListShape(key string) ShapeRule {
	return func(reply *interfaces.ReplyMessage) bool {
		return reply.HasCollection(key)
	}
}

// Config configures a Correlator.
type Config struct {
	// RoutingPrefix is the opaque per-session prefix established during
	// enrollment. Required.
	RoutingPrefix string

	// DefaultTimeout applies to calls without an explicit timeout option.
	DefaultTimeout time.Duration

	// Durable names the durable consumer used for the reply subscription.
	// When set, calls get at-least-once delivery on buses that support
	// acknowledged consumers, at a small latency cost. Replies delivered
	// more than once are deduplicated by request id.
	Durable string

	// LegacyShapeMatch enables the compatibility fallback that accepts
	// replies on the shared per-operation reply subject, matched by
	// shape. New deployments should leave this off: unique-subject
	// correlation cannot misattribute.
	LegacyShapeMatch bool

	// MisattributionRetries and MisattributionBackoff tune the legacy
	// fallback's retry loop.
	MisattributionRetries uint64
	MisattributionBackoff time.Duration

	// ShapeRules maps operation names to their shape checks. Operations
	// without a rule fall back to matching the reply's type field.
	ShapeRules map[string]ShapeRule

	Log *slog.Logger
}

// Correlator issues request/response calls over the bus. All calls share
// one reply subscription; each pending call is registered in the
// correlation table and removed exactly once by whichever of match, timeout
// or cancellation happens first.
type Correlator struct {
	bus      interfaces.Bus
	cfg      Config
	subjects subjectScheme
	log      *slog.Logger

	reg *callRegistry
	sub interfaces.Unsubscriber
}

// New creates a correlator and establishes the shared reply subscription.
func New(bus interfaces.Bus, cfg Config) (*Correlator, error) {
	if cfg.RoutingPrefix == "" {
		return nil, errors.New("routing prefix is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MisattributionRetries == 0 {
		cfg.MisattributionRetries = DefaultMisattributionRetries
	}
	if cfg.MisattributionBackoff <= 0 {
		cfg.MisattributionBackoff = DefaultMisattributionBackoff
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	c := &Correlator{
		bus:      bus,
		cfg:      cfg,
		subjects: subjectScheme{prefix: cfg.RoutingPrefix},
		log:      cfg.Log,
		reg:      newCallRegistry(),
	}

	var err error
	if cfg.Durable != "" {
		c.sub, err = bus.SubscribeDurable(c.subjects.replyWildcard(), cfg.Durable, c.dispatch)
	} else {
		c.sub, err = bus.Subscribe(c.subjects.replyWildcard(), c.dispatch)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: subscribing to replies: %v", interfaces.ErrTransport, err)
	}
	return c, nil
}

// Close tears down the reply subscription. Pending calls fail on their own
// timeouts; the bus connection itself is left untouched.
func (c *Correlator) Close() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	sealer  Sealer
}

// WithTimeout overrides the correlator's default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithSealer encrypts the request payload and decrypts the reply with the
// given sealer.
func WithSealer(s Sealer) CallOption {
	return func(o *callOptions) { o.sealer = s }
}

// Call publishes a request for the operation and blocks until the
// correlated reply arrives, the timeout elapses, or ctx is canceled.
// Cancellation is reported as ErrCanceled, distinct from ErrTimeout.
// Application-level failures inside the reply are returned as *RPCError
// alongside the parsed reply.
func (c *Correlator) Call(ctx context.Context, operation string, fields map[string]any, opts ...CallOption) (*interfaces.ReplyMessage, error) {
	o := callOptions{timeout: c.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	if !c.bus.Connected() {
		return nil, fmt.Errorf("%w: bus is not connected", interfaces.ErrTransport)
	}

	requestID := uuid.NewString()
	payload, err := json.Marshal(interfaces.NewRequest(requestID, operation, fields))
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	wire := payload
	if o.sealer != nil {
		if wire, err = o.sealer.Seal(payload); err != nil {
			return nil, fmt.Errorf("sealing request: %w", err)
		}
	}

	pc := &pendingCall{
		id:        requestID,
		operation: operation,
		events:    make(chan replyEvent, 8),
	}
	c.reg.add(pc)
	defer c.reg.remove(requestID)

	subject := c.subjects.request(operation)
	if err := c.bus.Publish(subject, wire); err != nil {
		return nil, fmt.Errorf("%w: publishing to %s: %v", interfaces.ErrTransport, subject, err)
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	bo := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(c.cfg.MisattributionBackoff),
		c.cfg.MisattributionRetries,
	)

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: operation %s", interfaces.ErrTimeout, operation)
			}
			return nil, fmt.Errorf("%w: operation %s: %v", interfaces.ErrCanceled, operation, ctx.Err())

		case <-timer.C:
			return nil, fmt.Errorf("%w: operation %s after %s", interfaces.ErrTimeout, operation, o.timeout)

		case ev := <-pc.events:
			reply, err := c.decodeReply(o, ev)
			if err != nil {
				if ev.shared {
					// Legacy subject: a payload we cannot open or
					// parse did not answer this call.
					if err := c.rejectMisattributed(ctx, timer, bo, subject, wire, operation, requestID); err != nil {
						return nil, err
					}
					continue
				}
				return nil, err
			}
			if !c.accepts(operation, requestID, reply, ev.shared) {
				if err := c.rejectMisattributed(ctx, timer, bo, subject, wire, operation, requestID); err != nil {
					return nil, err
				}
				continue
			}
			if reply.ErrorMsg != "" {
				return reply, &interfaces.RPCError{Operation: operation, Message: reply.ErrorMsg}
			}
			return reply, nil
		}
	}
}

// decodeReply unwraps and parses a reply payload.
func (c *Correlator) decodeReply(o callOptions, ev replyEvent) (*interfaces.ReplyMessage, error) {
	data := ev.data
	if o.sealer != nil {
		opened, err := o.sealer.Open(data)
		if err != nil {
			return nil, err
		}
		data = opened
	}
	reply, err := interfaces.ParseReply(data)
	if err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	return reply, nil
}

// accepts decides whether a parsed reply answers this call. Replies carrying
// an id are matched on it; replies from the unique per-request subject are
// accepted as-is; everything else goes through the operation's shape rule.
func (c *Correlator) accepts(operation, requestID string, reply *interfaces.ReplyMessage, shared bool) bool {
	if reply.ID != "" {
		return reply.ID == requestID
	}
	if !shared {
		return true
	}
	if rule, ok := c.cfg.ShapeRules[operation]; ok {
		return rule(reply)
	}
	return reply.Type == operation || reply.Type == operation+".response"
}

// rejectMisattributed handles one misattributed reply: after a short backoff
// the request is published again under the same id (vault operations are
// idempotent by request id), until the retry budget is exhausted.
func (c *Correlator) rejectMisattributed(ctx context.Context, timer *time.Timer, bo backoff.BackOff, subject string, wire []byte, operation, requestID string) error {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return fmt.Errorf("%w: operation %s", interfaces.ErrMisattributedReply, operation)
	}
	c.log.Warn("rejected misattributed reply", "operation", operation, "requestID", requestID)

	wait := time.NewTimer(delay)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: operation %s", interfaces.ErrTimeout, operation)
		}
		return fmt.Errorf("%w: operation %s: %v", interfaces.ErrCanceled, operation, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: operation %s", interfaces.ErrTimeout, operation)
	case <-wait.C:
	}

	if err := c.bus.Publish(subject, wire); err != nil {
		return fmt.Errorf("%w: republishing to %s: %v", interfaces.ErrTransport, subject, err)
	}
	return nil
}

// dispatch routes an incoming bus message to the pending call it answers.
// Runs on the bus delivery goroutine; it never blocks on slow callers.
func (c *Correlator) dispatch(msg interfaces.BusMessage) {
	operation, requestID, ok := c.subjects.parseReply(msg.Subject)
	if !ok {
		return
	}

	if requestID != "" {
		if pc := c.reg.get(requestID); pc != nil {
			pc.deliver(replyEvent{data: msg.Data})
		} else {
			c.log.Debug("dropping reply for unknown request", "subject", msg.Subject)
		}
		return
	}

	// Shared reply subject. Try the plaintext id first; shape matching is
	// strictly a fallback.
	var probe struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(msg.Data, &probe) == nil && probe.ID != "" {
		if pc := c.reg.get(probe.ID); pc != nil {
			pc.deliver(replyEvent{data: msg.Data})
		}
		return
	}

	if !c.cfg.LegacyShapeMatch {
		c.log.Debug("dropping uncorrelatable reply", "subject", msg.Subject)
		return
	}
	for _, pc := range c.reg.byOperation(operation) {
		pc.deliver(replyEvent{data: msg.Data, shared: true})
	}
}

// replyEvent is one candidate reply delivered to a pending call. shared
// marks arrival on the shared per-operation subject rather than the unique
// per-request one.
type replyEvent struct {
	data   []byte
	shared bool
}

// pendingCall is the correlation entry for one in-flight request. It is
// owned exclusively by the Call that created it.
type pendingCall struct {
	id        string
	operation string
	events    chan replyEvent
}

// deliver hands a candidate reply to the waiting call without blocking the
// dispatch goroutine.
func (pc *pendingCall) deliver(ev replyEvent) {
	select {
	case pc.events <- ev:
	default:
	}
}

// callRegistry is the correlation table: request id to pending call. One
// mutex guards the whole table; entries are removed exactly once.
type callRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
}

func newCallRegistry() *callRegistry {
	return &callRegistry{pending: make(map[string]*pendingCall)}
}

func (r *callRegistry) add(pc *pendingCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[pc.id] = pc
}

func (r *callRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *callRegistry) get(id string) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[id]
}

func (r *callRegistry) byOperation(operation string) []*pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matches []*pendingCall
	for _, pc := range r.pending {
		if pc.operation == operation {
			matches = append(matches, pc)
		}
	}
	return matches
}
