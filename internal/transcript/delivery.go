package transcript

import (
	"context"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// deliverLoop is the single delivery worker. It exits when jobs is closed.
func (e *Engine) deliverLoop() {
	for j := range e.jobs {
		if j.barrier != nil {
			close(j.barrier)
			continue
		}

		res := e.deliver(j.utterance)

		if j.flushID != 0 {
			select {
			case e.completions <- completion{speaker: j.utterance.Speaker, flushID: j.flushID}:
			case <-e.stopped:
			}
		}
		e.notify(res)
	}
}

// deliver makes one attempt. Failures are logged and counted; the
// utterance is not retried.
func (e *Engine) deliver(u Utterance) DeliveryResult {
	// Deliveries outlive the session context so a disconnect cannot cut
	// off the final flush.
	ctx, cancel := context.WithTimeout(context.Background(), e.deliveryTimeout)
	defer cancel()

	ctx, span := observe.StartDeliverySpan(ctx, string(u.Speaker), u.ConversationID, len(u.Text))
	start := time.Now()
	err := e.deliverer.Deliver(ctx, u)
	d := time.Since(start)
	observe.EndSpan(span, err)

	e.metrics.RecordDelivery(ctx, string(u.Speaker), d, err)
	if err != nil {
		observe.Logger(ctx).Error("transcript: delivery failed, utterance dropped",
			"speaker", u.Speaker,
			"conversation_id", u.ConversationID,
			"chars", len(u.Text),
			"err", err,
		)
	} else {
		observe.Logger(ctx).Debug("transcript: utterance delivered",
			"speaker", u.Speaker,
			"conversation_id", u.ConversationID,
			"duration", d,
		)
	}
	return DeliveryResult{Utterance: u, Err: err, Duration: d}
}

func (e *Engine) notify(res DeliveryResult) {
	e.subsMu.RLock()
	subs := make([]func(DeliveryResult), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subsMu.RUnlock()
	for _, fn := range subs {
		fn(res)
	}
}
