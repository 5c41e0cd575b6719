// Package chat joins a bound socket to the relay: it queues the socket's
// turns, runs them one at a time, and frames chunks and outcomes for the
// client.
package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/lifecycle"
	"github.com/xiaot623/chatrelay/internal/protocol"
	"github.com/xiaot623/chatrelay/internal/relay"
	"github.com/xiaot623/chatrelay/internal/tools"
)

var (
	// ErrTokenMismatch is returned when a message names a different token
	// than the one its socket connected with.
	ErrTokenMismatch = errors.New("message token does not match the connection")
	// ErrEmptyMessage is returned for a blank turn.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned when a socket has too many queued turns.
	ErrBusy = errors.New("too many pending messages")
	// ErrClosed is returned after the conversation was closed.
	ErrClosed = errors.New("conversation closed")
	// ErrStopping is returned by Connect once Stop has been called.
	ErrStopping = errors.New("relay is shutting down")
)

// Sender writes an encoded frame to a socket.
type Sender interface {
	SendTo(socketID string, data []byte) error
}

// Options configures a Service.
type Options struct {
	Greeting  string
	QueueSize int
}

// Service runs chat turns for bound sockets.
type Service struct {
	lifecycle  *lifecycle.Manager
	relay      *relay.Relay
	dispatcher *tools.Dispatcher
	sender     Sender
	opts       Options

	// runs outlive their socket, so they hang off the service's context
	ctx context.Context
	wg  sync.WaitGroup

	// bound counts sessions bound by Connect and not yet released
	mu       sync.Mutex
	stopping bool
	bound    sync.WaitGroup
}

// NewService creates a Service. Turns run under ctx until it is cancelled.
func NewService(ctx context.Context, lc *lifecycle.Manager, r *relay.Relay, d *tools.Dispatcher, sender Sender, opts Options) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	return &Service{
		lifecycle:  lc,
		relay:      r,
		dispatcher: d,
		sender:     sender,
		opts:       opts,
		ctx:        ctx,
	}
}

// Connect verifies and binds a socket before it is upgraded. Every
// successful Connect must be followed by Release or by Open and Close.
func (s *Service) Connect(ctx context.Context, token, socketID string) (*lifecycle.Binding, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrStopping
	}
	s.bound.Add(1)
	s.mu.Unlock()

	b, err := s.lifecycle.Connect(ctx, token, socketID)
	if err != nil {
		s.bound.Done()
		return nil, err
	}
	return b, nil
}

// Release undoes a Connect whose socket never opened.
func (s *Service) Release(ctx context.Context, b *lifecycle.Binding) error {
	defer s.bound.Done()
	return s.lifecycle.Disconnect(ctx, b.Token, b.SocketID)
}

// Wait blocks until every queued turn has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Stop refuses further connects and blocks until every bound session has
// been released, or until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	released := make(chan struct{})
	go func() {
		s.bound.Wait()
		close(released)
	}()
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sessions still bound")
	}
}

// Conversation is the turn queue of one bound socket.
type Conversation struct {
	svc     *Service
	binding *lifecycle.Binding
	logger  zerolog.Logger

	mu     sync.Mutex
	turns  chan string
	closed bool
}

// Open starts the turn worker for b. It acknowledges the session and, for a
// new thread, queues the greeting turn.
func (s *Service) Open(b *lifecycle.Binding) *Conversation {
	c := &Conversation{
		svc:     s,
		binding: b,
		turns:   make(chan string, s.opts.QueueSize),
		logger: log.With().
			Str("component", "chat").
			Str("session", domain.Fingerprint(b.Token)).
			Str("socket_id", b.SocketID).
			Str("thread_id", b.ThreadID).
			Logger(),
	}

	s.wg.Add(1)
	go c.work()

	if b.NewThread || b.Ack {
		c.sendSession()
	}
	if b.Greet && s.opts.Greeting != "" {
		c.turns <- s.opts.Greeting
	}
	return c
}

// Submit queues a user turn.
func (c *Conversation) Submit(msg protocol.ChatMessage) error {
	if msg.Token != "" && msg.Token != c.binding.Token {
		return ErrTokenMismatch
	}
	if msg.Message == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.turns <- msg.Message:
		return nil
	default:
		return ErrBusy
	}
}

// PageLoaded repeats the session acknowledgement. The thread already exists
// once a socket is bound, so a reload never creates another.
func (c *Conversation) PageLoaded() {
	c.sendSession()
}

// Close releases the session binding. Turns already queued still run to
// completion; their output is dropped. Only the first call has an effect.
func (c *Conversation) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.turns)
	c.mu.Unlock()

	defer c.svc.bound.Done()
	if err := c.svc.lifecycle.Disconnect(ctx, c.binding.Token, c.binding.SocketID); err != nil {
		c.logger.Warn().Err(err).Msg("failed to release session")
	}
}

func (c *Conversation) work() {
	defer c.svc.wg.Done()
	for text := range c.turns {
		c.turn(text)
	}
}

func (c *Conversation) turn(text string) {
	s := c.svc
	meta := c.binding.Metadata

	deliver := func(chunk string) {
		c.send(protocol.EventChunk, protocol.Chunk{Data: chunk})
	}
	dispatch := func(ctx context.Context, calls []domain.ToolCall) []domain.ToolOutput {
		return s.dispatcher.Dispatch(ctx, calls, meta)
	}

	res, err := s.relay.Relay(s.ctx, c.binding.ThreadID, text, deliver, dispatch)
	if err != nil {
		c.send(protocol.EventError, errorPayload(res, err))
		return
	}
	c.send(protocol.EventDone, protocol.DonePayload{RunID: res.RunID, Status: string(res.Status)})
}

func (c *Conversation) sendSession() {
	c.send(protocol.EventSession, protocol.SessionPayload{
		ThreadID: c.binding.ThreadID,
		Resumed:  !c.binding.NewThread,
	})
}

// send delivers a frame only while this socket still owns the session.
func (c *Conversation) send(event string, data any) {
	if !c.svc.lifecycle.IsActive(c.binding.Token, c.binding.SocketID) {
		c.logger.Debug().Str("event", event).Msg("socket no longer active, frame dropped")
		return
	}
	frame, err := protocol.Encode(event, data)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}
	if err := c.svc.sender.SendTo(c.binding.SocketID, frame); err != nil {
		// A full queue closes the socket; the client sees it end.
		c.logger.Debug().Err(err).Str("event", event).Msg("frame not delivered")
	}
}

func errorPayload(res *relay.Result, err error) protocol.ErrorPayload {
	p := protocol.ErrorPayload{Code: domain.CodeOf(err), Message: err.Error()}
	if res != nil && res.Error != nil {
		p.Message = res.Error.Message
	}
	if p.Code == "" {
		switch {
		case domain.IsKind(err, domain.KindProvider):
			p.Code = protocol.ErrorCodeProvider
		case domain.IsKind(err, domain.KindStore):
			p.Code = protocol.ErrorCodeStore
		default:
			p.Code = protocol.ErrorCodeInternal
		}
	}
	return p
}
