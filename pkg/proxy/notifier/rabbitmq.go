package notifier

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

// Broker defaults matching the built-in hello world queue.
const (
	defaultQueue      = "hello"
	defaultRoutingKey = "hello"
	defaultBody       = "Hello World!"
)

type rabbitMQNotifier struct {
	logger *slog.Logger
	uri    string
}

func init() {
	Register(MethodRabbitMQ, newRabbitMQNotifier)
}

func newRabbitMQNotifier(c *Config, logger *slog.Logger) (Notifier, error) {
	if c.RabbitMQ.Host == "" {
		return nil, ErrNotConfigured
	}

	vhost := c.RabbitMQ.VHost
	if vhost == "" {
		vhost = "/"
	}

	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.RabbitMQ.Host,
		Port:     c.RabbitMQ.Port,
		Username: c.RabbitMQ.Username,
		Password: c.RabbitMQ.Password,
		Vhost:    vhost,
	}

	return &rabbitMQNotifier{logger: logger, uri: uri.String()}, nil
}

// publishSpec is the resolved destination and body of one publish.
type publishSpec struct {
	queue      string
	exchange   string
	routingKey string
	body       string
}

// publishParams resolves queue, exchange, routing key and body from the
// parameter bag. The bag body only fills in when no message is supplied.
func publishParams(msg string, params models.Generic) publishSpec {
	if msg == "" {
		msg = bagString(params, "body", defaultBody)
	}

	return publishSpec{
		queue:      bagString(params, "queue", defaultQueue),
		exchange:   bagString(params, "exchange", ""),
		routingKey: bagString(params, "routing_key", defaultRoutingKey),
		body:       msg,
	}
}

// Notify publishes msg to the broker. A fresh connection is dialled per
// message.
func (n *rabbitMQNotifier) Notify(ctx context.Context, msg string, params models.Generic) error {
	spec := publishParams(msg, params)

	conn, err := amqp.Dial(n.uri)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer channel.Close()

	if _, err := channel.QueueDeclare(spec.queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", spec.queue, err)
	}

	publishing := amqp.Publishing{ContentType: "text/plain", Body: []byte(spec.body)}
	if err := channel.PublishWithContext(ctx, spec.exchange, spec.routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", spec.queue, err)
	}

	n.logger.Debug("Message published", "queue", spec.queue, "routing_key", spec.routingKey)

	return nil
}
