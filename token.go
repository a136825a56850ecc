package chanmux

import "context"

// TokenKind names which end opens and which end accepts when a token is redeemed.
type TokenKind uint8

const (
	kindRoot TokenKind = iota
	KindBiStream
	KindSubservice
	KindOfferedService
)

func (k TokenKind) String() string {
	switch k {
	case kindRoot:
		return "root"
	case KindBiStream:
		return "bistream"
	case KindSubservice:
		return "subservice"
	case KindOfferedService:
		return "offered-service"
	default:
		return "unknown"
	}
}

// Token is a capability for a channel that does not exist yet. Tokens carry
// no data and encode to zero bytes, so they can sit in any message. Nothing on
// the wire tells two tokens apart: the Nth redemption on one end pairs with
// the Nth offer of the opposite direction on the other end. A token that is
// received but never redeemed shifts every later pairing on the session.
type Token interface {
	Kind() TokenKind
	token()
}

type (
	// BiStream is a plain channel whose direction both ends agreed on
	// beforehand. Rx and Tx are seen from the holder.
	BiStream[Rx, Tx any] struct{}

	// Subservice lets the holder open a channel to a service the producer
	// serves. The holder sends Req and receives Resp.
	Subservice[Req, Resp any] struct{}

	// OfferedService is produced by an end that serves Req with Resp on a
	// channel it will open. The holder accepts that channel and becomes the caller.
	OfferedService[Req, Resp any] struct{}
)

func (BiStream[Rx, Tx]) Kind() TokenKind { return KindBiStream }
func (BiStream[Rx, Tx]) token()          {}

func (Subservice[Req, Resp]) Kind() TokenKind { return KindSubservice }
func (Subservice[Req, Resp]) token()          {}

func (OfferedService[Req, Resp]) Kind() TokenKind { return KindOfferedService }
func (OfferedService[Req, Resp]) token()          {}

// OfferSubservice queues an accept and returns a token for the peer to open
// the matching stream. The token may be sent before the accept completes.
func OfferSubservice[Req, Resp any](s *Sequencer) (Subservice[Req, Resp], *Pending[Req, Resp], error) {
	n, err := s.enqueue(s.ctx, KindSubservice, dirAccept)
	if err != nil {
		return Subservice[Req, Resp]{}, nil, err
	}
	return Subservice[Req, Resp]{}, newPending[Req, Resp](s, n), nil
}

// RedeemSubservice opens the stream the producer is accepting.
func RedeemSubservice[Req, Resp any](ctx context.Context, s *Sequencer, t Subservice[Req, Resp]) (*Channel[Resp, Req], error) {
	return redeem[Resp, Req](ctx, s, t.Kind(), dirOpen)
}

// OfferReverseService queues an open toward the peer. The caller serves the
// resulting channel once the peer redeems the token by accepting.
func OfferReverseService[Req, Resp any](s *Sequencer) (OfferedService[Req, Resp], *Pending[Req, Resp], error) {
	n, err := s.enqueue(s.ctx, KindOfferedService, dirOpen)
	if err != nil {
		return OfferedService[Req, Resp]{}, nil, err
	}
	return OfferedService[Req, Resp]{}, newPending[Req, Resp](s, n), nil
}

// RedeemReverseService accepts the stream the producer opens and returns the
// calling side of it.
func RedeemReverseService[Req, Resp any](ctx context.Context, s *Sequencer, t OfferedService[Req, Resp]) (*Channel[Resp, Req], error) {
	return redeem[Resp, Req](ctx, s, t.Kind(), dirAccept)
}

// AcceptBiStream queues an accept; the holder must use RedeemBiStream.
func AcceptBiStream[Rx, Tx any](s *Sequencer) (BiStream[Rx, Tx], *Pending[Tx, Rx], error) {
	n, err := s.enqueue(s.ctx, KindBiStream, dirAccept)
	if err != nil {
		return BiStream[Rx, Tx]{}, nil, err
	}
	return BiStream[Rx, Tx]{}, newPending[Tx, Rx](s, n), nil
}

// OpenBiStream queues an open; the holder must use RedeemOpenedBiStream.
func OpenBiStream[Rx, Tx any](s *Sequencer) (BiStream[Rx, Tx], *Pending[Tx, Rx], error) {
	n, err := s.enqueue(s.ctx, KindBiStream, dirOpen)
	if err != nil {
		return BiStream[Rx, Tx]{}, nil, err
	}
	return BiStream[Rx, Tx]{}, newPending[Tx, Rx](s, n), nil
}

// RedeemBiStream opens the stream for a token made by AcceptBiStream.
func RedeemBiStream[Rx, Tx any](ctx context.Context, s *Sequencer, t BiStream[Rx, Tx]) (*Channel[Rx, Tx], error) {
	return redeem[Rx, Tx](ctx, s, t.Kind(), dirOpen)
}

// RedeemOpenedBiStream accepts the stream for a token made by OpenBiStream.
func RedeemOpenedBiStream[Rx, Tx any](ctx context.Context, s *Sequencer, t BiStream[Rx, Tx]) (*Channel[Rx, Tx], error) {
	return redeem[Rx, Tx](ctx, s, t.Kind(), dirAccept)
}
