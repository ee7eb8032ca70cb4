package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestQueues(t *testing.T) {
	mainQ, retryQ, dlqQ := Queues("chat_exchanges")
	assert.Equal(t, "chat_exchanges", mainQ)
	assert.Equal(t, "chat_exchanges.retry", retryQ)
	assert.Equal(t, "chat_exchanges.dlq", dlqQ)
}

func TestNewPublishing(t *testing.T) {
	msg := NewPublishing([]byte(`{}`), 3, 1500*time.Millisecond)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "1500", msg.Expiration)
	assert.Equal(t, 3, Attempt(msg.Headers))

	first := NewPublishing([]byte(`{}`), 1, 0)
	assert.Empty(t, first.Expiration)
}

func TestAttempt_DefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, Attempt(nil))
	assert.Equal(t, 1, Attempt(amqp.Table{AttemptHeader: "bogus"}))
	assert.Equal(t, 4, Attempt(amqp.Table{AttemptHeader: int64(4)}))
}
