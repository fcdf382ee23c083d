package lifecycle

import (
	"context"
	"log/slog"

	"github.com/pscheid92/sessiongate/internal/domain"
)

// dispatch runs on the actor goroutine, so sends on one session never overlap.
func (c *Controller) dispatch(s *session, reqCtx context.Context, msg domain.Message) (*domain.DeliveryReceipt, error) {
	if s.state() != domain.StateAuthenticated {
		return nil, domain.ErrSessionNotReady
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(reqCtx, cancel)
	defer stop()

	start := c.clock.Now()
	receipt := &domain.DeliveryReceipt{
		SessionID: s.rec.SessionID,
		Success:   true,
		Results:   make([]domain.RecipientResult, 0, len(msg.Recipients)),
	}

	for _, recipient := range msg.Recipients {
		result := domain.RecipientResult{Recipient: recipient}

		if err := ctx.Err(); err != nil {
			result.Error = err.Error()
		} else {
			sendCtx, sendCancel := c.sendContext(ctx)
			id, err := s.handle.Send(sendCtx, recipient, msg.Content)
			sendCancel()
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Delivered = true
				result.MessageID = id
			}
		}

		if result.Delivered {
			c.msgMetrics.RecipientsSent.WithLabelValues("delivered").Inc()
		} else {
			receipt.Success = false
			c.msgMetrics.RecipientsSent.WithLabelValues("failed").Inc()
			slog.WarnContext(reqCtx, "Send failed",
				"session_id", s.rec.SessionID,
				"recipient", recipient,
				"error", result.Error,
			)
		}
		receipt.Results = append(receipt.Results, result)
	}

	c.msgMetrics.DispatchDuration.Observe(c.clock.Since(start).Seconds())
	return receipt, nil
}

func (c *Controller) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.SendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.SendTimeout)
}
