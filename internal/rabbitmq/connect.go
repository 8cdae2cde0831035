// Package rabbitmq содержит подключение к RabbitMQ, настройку обменника
// и очереди заданий декодирования, а также публикацию и потребление сообщений.
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/Bashocodes/aikizi-sub001/internal/lib/retry"
)

// Exchange и очередь заданий декодирования.
const (
	DecodeExchange   = "decode"
	DecodeQueue      = "decode.jobs"
	DecodeRoutingKey = "jobs"
)

// Connect подключается к RabbitMQ с ограниченным числом повторов.
func Connect(connection string, retries int, delay time.Duration) (*amqp.Connection, error) {
	const op = "rabbitmq.Connect"

	var conn *amqp.Connection
	policy := retry.Policy{Attempts: retries, Delay: delay}
	err := policy.Do(context.Background(), func() error {
		var derr error
		conn, derr = amqp.Dial(connection)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return conn, nil
}

// SetupChannel открывает канал и объявляет обменник и очередь заданий.
func SetupChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	const op = "rabbitmq.SetupChannel"

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(
		DecodeExchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	_, err = ch.QueueDeclare(
		DecodeQueue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to declare queue %s: %w", op, DecodeQueue, err)
	}

	err = ch.QueueBind(
		DecodeQueue,
		DecodeRoutingKey,
		DecodeExchange,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to bind queue %s: %w", op, DecodeQueue, err)
	}

	return ch, nil
}
