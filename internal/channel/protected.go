package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/circuitbreaker"
	"github.com/atriaconnect/courier/internal/message"
)

// ProtectedAdapter wraps an Adapter with a circuit breaker. When the
// provider starts failing, sends fail fast as transient errors instead
// of piling up on a dead provider.
type ProtectedAdapter struct {
	Adapter
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// Protect wraps adapter with breaker.
func Protect(adapter Adapter, breaker *circuitbreaker.Breaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{Adapter: adapter, breaker: breaker, logger: logger}
}

// Send rejects fast while the circuit is open; rejections are
// transient failures, so the tracker's normal retry schedule applies.
func (p *ProtectedAdapter) Send(ctx context.Context, msg *message.Message) (SendResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("send rejected, circuit open",
			zap.String("channel", string(p.Adapter.Name())),
			zap.String("message_id", msg.ID.String()),
		)
		return failure(circuitbreaker.ErrOpen, "circuit_open", false), nil
	}

	res, err := p.Adapter.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return res, err
	}
	// Validation failures say nothing about provider health.
	if res.Success || res.Permanent {
		p.breaker.RecordSuccess()
	} else {
		p.breaker.RecordFailure()
	}
	return res, nil
}

// Health reports disconnected while the circuit is open.
func (p *ProtectedAdapter) Health(ctx context.Context) Health {
	h := p.Adapter.Health(ctx)
	if p.breaker.State() != circuitbreaker.StateClosed {
		h.Connected = false
		h.Detail = "circuit " + p.breaker.State().String()
	}
	return h
}

// Breaker exposes the underlying breaker for the state endpoint.
func (p *ProtectedAdapter) Breaker() *circuitbreaker.Breaker {
	return p.breaker
}
