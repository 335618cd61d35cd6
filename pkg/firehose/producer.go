package firehose

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// producer polls the event log on behalf of one subscriber, translates new
// events to frames and pushes them into the subscriber's bounded channel.
// The blocking channel send is the backpressure mechanism: a slow handler
// stalls its producer instead of growing a buffer.
type producer struct {
	src    EventSource
	sub    *Subscriber
	opts   Options
	logger *slog.Logger

	cursor int64
	errs   int
}

func (p *producer) run(ctx context.Context) {
	log := p.logger.With("source", "firehose_producer", "subscriber", p.sub.id)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	var limiter *rate.Limiter
	if p.opts.ReplayRate > 0 {
		// Fractional rates round to a zero burst, which makes every Wait
		// fail. The burst must stay at least one frame.
		burst := int(p.opts.ReplayRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(p.opts.ReplayRate), burst)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		evt, err := p.src.NextAfter(ctx, p.cursor)
		if err != nil {
			p.errs++
			producerReadErrorsCounter.Inc()
			if p.errs >= p.opts.MaxProducerErrors {
				log.Error("abandoning event log after repeated read errors", "errors", p.errs, "error", err)
				p.finish(ctx, newInfoFrame(InfoError, "event stream failed"))
				return
			}
			backoff := p.opts.ErrorBackoffBase << p.errs
			log.Error("failed to read next event, backing off", "errors", p.errs, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		p.errs = 0

		if evt == nil {
			// Caught up. Only the idle path pays the poll latency.
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		// Advance past the event even if it fails to translate: one bad
		// historical event must not block the stream behind it.
		p.cursor = evt.Seq

		frame, err := ToFrame(evt)
		if err != nil {
			log.Error("dropping untranslatable event", "seq", evt.Seq, "error", err)
			framesDroppedCounter.Inc()
			continue
		}
		data, err := encodeFrame(frame, p.sub.compress)
		if err != nil {
			log.Error("dropping unencodable frame", "seq", evt.Seq, "error", err)
			framesDroppedCounter.Inc()
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Any other limiter failure must still close the channel, or
				// the handler parks on it forever.
				log.Error("replay limiter failed, closing stream", "error", err)
				p.finish(ctx, newInfoFrame(InfoError, "event stream failed"))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case p.sub.buf <- data:
			framesProducedCounter.Inc()
		}
	}
}

// finish pushes a final frame and closes the channel, so the handler drains
// everything already buffered, delivers the farewell, and shuts the
// connection down. The producer is the only sender on the channel.
func (p *producer) finish(ctx context.Context, f *InfoFrame) {
	producersAbandonedCounter.Inc()

	data, err := encodeFrame(f, p.sub.compress)
	if err == nil {
		select {
		case p.sub.buf <- data:
		case <-ctx.Done():
		case <-time.After(p.opts.SendTimeout):
		}
	}
	close(p.sub.buf)
}
