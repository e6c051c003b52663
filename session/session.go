// Package session drives one streaming connection: frames in, detection
// messages out, one frame at a time.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"DetStreamServer/imageprep"
	iface "DetStreamServer/interface"
)

type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type Kind int

const (
	KindText Kind = iota + 1
	KindBinary
	KindOther
)

type Message struct {
	Kind Kind
	Data []byte
}

// ErrDisconnected is returned by Channel.Read when the peer went away in an
// orderly fashion.
var ErrDisconnected = errors.New("peer disconnected")

// Channel is a bidirectional message stream. Read and WriteText are only
// called from the session goroutine; Close may be called from any goroutine.
type Channel interface {
	Read() (Message, error)
	WriteText(data []byte) error
	Close(code int, reason string) error
}

// FrameProcessor is satisfied by *pipeline.Pipeline.
type FrameProcessor interface {
	Run(ctx context.Context, frame iface.Frame) (*iface.FrameResult, error)
}

type Option func(*Session)

// WithNotifyDecodeErrors makes the session answer undecodable frames with an
// error message instead of dropping them silently.
func WithNotifyDecodeErrors() Option {
	return func(s *Session) { s.notifyDecodeErrors = true }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

type Session struct {
	id                 string
	ch                 Channel
	proc               FrameProcessor
	state              atomic.Int32
	notifyDecodeErrors bool
	now                func() time.Time
	log                *zap.Logger
}

func New(ch Channel, proc FrameProcessor, opts ...Option) *Session {
	s := &Session{
		id:   uuid.NewString(),
		ch:   ch,
		proc: proc,
		now:  time.Now,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session", s.id))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Close asks the peer to go away. The running loop observes the failed read
// and returns.
func (s *Session) Close(code int, reason string) error {
	return s.ch.Close(code, reason)
}

// Run serves the connection until the peer disconnects, ctx is cancelled or
// a fault occurs. Orderly endings return nil.
func (s *Session) Run(ctx context.Context) error {
	s.state.Store(int32(Open))
	defer s.state.Store(int32(Closed))
	s.log.Debug("session open")

	for {
		msg, err := s.ch.Read()
		if err != nil {
			if errors.Is(err, ErrDisconnected) || ctx.Err() != nil {
				s.log.Debug("session closed by peer")
				return nil
			}
			return s.fail(err)
		}

		switch msg.Kind {
		case KindBinary:
			err = s.handleFrame(ctx, msg.Data)
		case KindText:
			err = s.ch.WriteText(ackMessage)
		default:
		}
		if err != nil {
			// 服务关闭时正在处理的帧会因 ctx 取消而失败
			if ctx.Err() != nil {
				s.log.Debug("session cancelled", zap.Error(err))
				return nil
			}
			return s.fail(err)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) error {
	res, err := s.proc.Run(ctx, iface.Frame{Data: data, ArrivedAt: s.now()})
	if err != nil {
		if !imageprep.IsDecodeError(err) {
			return err
		}
		s.log.Debug("frame dropped", zap.Int("bytes", len(data)), zap.Error(err))
		if s.notifyDecodeErrors {
			return s.ch.WriteText(invalidImageMessage)
		}
		return nil
	}

	b, err := MarshalDetections(res)
	if err != nil {
		return err
	}
	return s.ch.WriteText(b)
}

func (s *Session) fail(err error) error {
	s.log.Error("session failed", zap.Error(err))
	_ = s.ch.Close(websocket.CloseInternalServerErr, "internal error")
	return err
}
