package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// outcome is how the confirmation phase ended.
type outcome struct {
	state  domain.ExecState
	reason domain.FailureReason
	status domain.ConfirmationStatus
	polls  int
}

// awaitConfirmation polls the ledger every PollInterval until budget
// elapses, then falls back to MaxRetries further polls with a doubling
// delay starting at RetryDelay. It never resubmits.
func (e *Executor) awaitConfirmation(ctx context.Context, confirmationID string, budget time.Duration) outcome {
	var out outcome
	deadline := e.now().Add(budget)

	for {
		if done, ok := e.poll(ctx, confirmationID, &out); ok {
			return done
		}
		if ctx.Err() != nil {
			return e.cancelledOutcome(ctx, confirmationID, out)
		}
		wait := e.cfg.PollInterval
		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			break
		}
		if wait > remaining {
			wait = remaining
		}
		if err := e.sleep(ctx, wait); err != nil {
			return e.cancelledOutcome(ctx, confirmationID, out)
		}
	}

	// Budget exhausted: the attempt is timed out but may still land.
	out.state = domain.StateTimedOut
	delay := e.cfg.RetryDelay
	for i := 0; i < e.cfg.MaxRetries; i++ {
		if err := e.sleep(ctx, delay); err != nil {
			return e.cancelledOutcome(ctx, confirmationID, out)
		}
		if done, ok := e.poll(ctx, confirmationID, &out); ok {
			return done
		}
		delay *= 2
	}

	out.state = domain.StateFailed
	out.reason = domain.ReasonConfirmationTimeout
	return out
}

// poll asks the ledger once. ok is true when the status is final.
func (e *Executor) poll(ctx context.Context, confirmationID string, out *outcome) (outcome, bool) {
	out.polls++
	callCtx, cancel := e.ioContext(ctx)
	st, err := e.ledger.Status(callCtx, confirmationID)
	cancel()
	if err != nil {
		e.logger.DebugContext(ctx, "status poll failed",
			slog.String("confirmation_id", confirmationID),
			slog.String("error", err.Error()),
		)
		return *out, false
	}
	out.status = st
	switch {
	case st.Confirmed:
		out.state = domain.StateConfirmed
		out.reason = domain.ReasonNone
		return *out, true
	case !st.Pending:
		out.state = domain.StateFailed
		out.reason = domain.ReasonTransactionReverted
		return *out, true
	}
	return *out, false
}

// cancelledOutcome takes one last look with a detached context so a landed
// transaction is still recorded as such after shutdown.
func (e *Executor) cancelledOutcome(ctx context.Context, confirmationID string, out outcome) outcome {
	if done, ok := e.poll(context.WithoutCancel(ctx), confirmationID, &out); ok {
		return done
	}
	out.state = domain.StateFailed
	out.reason = domain.ReasonCancelled
	return out
}
