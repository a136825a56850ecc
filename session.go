package chanmux

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/uole/chanmux/internal/sequence"
	"github.com/uole/chanmux/pkg/multiplex"
	"github.com/uole/chanmux/pkg/packet"
	"go.uber.org/zap"
)

// Session is a transport session with identity and liveness bookkeeping. It
// satisfies multiplex.Session, so it can be handed to a Sequencer.
type Session struct {
	multiplex.Session
	ID            string
	Proto         string
	Address       string
	State         int32
	Uptime        time.Time
	heartbeatTime int64
	sequence      sequence.Sequence
}

func (sess *Session) IsEqual(state int32) bool {
	return atomic.LoadInt32(&sess.State) == state
}

func (sess *Session) HeartbeatTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&sess.heartbeatTime))
}

func (sess *Session) Info() *SessionInfo {
	return &SessionInfo{
		ID:            sess.ID,
		Proto:         sess.Proto,
		Address:       sess.Address,
		State:         atomic.LoadInt32(&sess.State),
		Uptime:        sess.Uptime,
		HeartbeatTime: sess.HeartbeatTime(),
	}
}

func (sess *Session) writePing(typ uint8, seq uint32, timestamp int64) error {
	buf, err := packet.Marshal(&packet.Ping{Type: typ, Sequence: seq, Timestamp: timestamp})
	if err != nil {
		return err
	}
	return sess.SendDatagram(buf)
}

// Ping sends a heartbeat datagram. The reply is handled by Receive.
func (sess *Session) Ping(ctx context.Context) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	if atomic.LoadInt32(&sess.State) != StateReady {
		return multiplex.ErrSessionClosed
	}
	return sess.writePing(packet.TypePing, sess.sequence.Next32(), time.Now().UnixNano())
}

// KeepAlive pings every interval until ctx is done. It returns nil if the
// transport carries no datagrams or interval is not positive.
func (sess *Session) KeepAlive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := sess.Ping(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, multiplex.ErrDatagramUnsupported) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Receive answers pings and records pongs until the session ends or ctx is
// done. Datagrams that are not heartbeats are passed to handle, if set.
func (sess *Session) Receive(ctx context.Context, handle func([]byte)) error {
	for {
		buf, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			if errors.Is(err, multiplex.ErrDatagramUnsupported) {
				return nil
			}
			return err
		}
		ping := &packet.Ping{}
		if err = packet.Unmarshal(buf, ping); err != nil {
			if handle != nil {
				handle(buf)
			}
			continue
		}
		switch ping.Type {
		case packet.TypePing:
			if err = sess.writePing(packet.TypePong, ping.Sequence, ping.Timestamp); err != nil {
				Logger().Debug("write pong", zap.String("session", sess.ID), zap.Error(err))
			}
		case packet.TypePong:
			atomic.StoreInt64(&sess.heartbeatTime, time.Now().UnixNano())
		default:
			if handle != nil {
				handle(buf)
			}
		}
	}
}

func (sess *Session) Close() (err error) {
	if atomic.SwapInt32(&sess.State, StateUnavailable) == StateUnavailable {
		return
	}
	return sess.Session.Close()
}

// NewSession wraps an established transport session.
func NewSession(conn multiplex.Session, proto string) *Session {
	now := time.Now()
	sess := &Session{
		Session:       conn,
		ID:            xid.New().String(),
		Proto:         proto,
		State:         StateReady,
		Uptime:        now,
		heartbeatTime: now.UnixNano(),
	}
	if addr := conn.Addr(); addr != nil {
		sess.Address = addr.String()
	}
	return sess
}
