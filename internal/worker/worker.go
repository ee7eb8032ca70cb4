// Package worker consumes exchange events and backfills token counts for
// replies whose upstream reported no usage.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/store/rabbitmq"
)

type Backfiller interface {
	BackfillTokens(ctx context.Context, ev chat.ExchangeEvent) (int, error)
}

type Retrier interface {
	PublishRetry(ctx context.Context, body []byte, attempt int, delay time.Duration) error
}

type Outcome int

const (
	Ack Outcome = iota
	// Retried means a copy was scheduled on the retry queue; the delivery itself is acked.
	Retried
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Retried:
		return "retried"
	case DeadLetter:
		return "dead-letter"
	default:
		return "ack"
	}
}

type Processor struct {
	Backfill    Backfiller
	Retry       Retrier
	MaxAttempts int
	RetryDelay  time.Duration
	Log         *logrus.Entry
}

// Process handles one event body delivered for the given attempt.
func (p *Processor) Process(ctx context.Context, body []byte, attempt int) Outcome {
	var ev chat.ExchangeEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.ConversationID == "" {
		p.Log.WithError(err).Warn("bad exchange event")
		return DeadLetter
	}
	log := p.Log.WithFields(logrus.Fields{
		"conversation_id": ev.ConversationID,
		"status":          ev.Status,
		"attempt":         attempt,
	})

	start := time.Now()
	tokens, err := p.Backfill.BackfillTokens(ctx, ev)
	if err == nil {
		if tokens > 0 {
			log.WithFields(logrus.Fields{
				"message_id": ev.AssistantMessageID,
				"tokens":     tokens,
				"cost":       time.Since(start).String(),
			}).Info("token count backfilled")
		}
		return Ack
	}

	if attempt >= p.MaxAttempts || p.Retry == nil {
		log.WithError(err).Error("backfill failed, giving up")
		return DeadLetter
	}
	delay := p.RetryDelay * time.Duration(attempt)
	if rerr := p.Retry.PublishRetry(ctx, body, attempt+1, delay); rerr != nil {
		log.WithError(rerr).Error("schedule retry failed")
		return DeadLetter
	}
	log.WithError(err).WithField("delay", delay.String()).Warn("backfill failed, retry scheduled")
	return Retried
}

func (p *Processor) handle(ctx context.Context, d amqp.Delivery) {
	switch p.Process(ctx, d.Body, rabbitmq.Attempt(d.Headers)) {
	case DeadLetter:
		// main queue dead-letters rejected messages to the DLQ
		_ = d.Nack(false, false)
	default:
		if err := d.Ack(false); err != nil {
			p.Log.WithError(err).Warn("ack failed")
		}
	}
}

// Run consumes queue with concurrency workers until ctx ends.
func Run(ctx context.Context, ch *amqp.Channel, queue string, concurrency int, p *Processor) error {
	if err := rabbitmq.DeclareTopology(ch, queue); err != nil {
		return err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return err
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	// in-flight events finish even after ctx ends
	hctx := context.WithoutCancel(ctx)
	jobs := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range jobs {
				p.handle(hctx, d)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			p.Log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			jobs <- d
		}
	}
}
