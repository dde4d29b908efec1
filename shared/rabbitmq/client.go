package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errNotConnected = errors.New("not connected to RabbitMQ")

	// ErrClosed is returned once the client was closed or gave up reconnecting.
	ErrClosed = errors.New("rabbitmq client closed")

	// ErrStaleDelivery is returned when acking a delivery received on a channel
	// that has since been replaced. The broker already requeued it.
	ErrStaleDelivery = errors.New("delivery belongs to a closed channel")
)

// Config holds RabbitMQ connection and topology configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	RetryQueue         string
	RetryDelay         time.Duration
	DeadLetterExchange string
	DeadLetterQueue    string
	PrefetchCount      int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL returns the AMQP URL with credentials escaped
func (c *Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   c.VHost,
	}
	return u.String()
}

// Client owns one connection and one channel to the broker. When the channel
// closes underneath it, the client dials again and redeclares its topology.
// Each channel gets a new generation; deliveries carry the generation they
// were received on.
type Client struct {
	config *Config
	logger *slog.Logger

	mu         sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	generation uint64

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient dials the broker and declares the exchange, queue and dead-letter topology
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) dial() (*amqp.Connection, error) {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := max(c.config.RetryAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var conn *amqp.Connection
		conn, err = amqp.DialConfig(c.config.URL(), amqpConfig)
		if err == nil {
			return conn, nil
		}

		c.logger.Warn("RabbitMQ dial failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("host", c.config.Host),
			slog.Any("error", err),
		)
		if attempt < attempts {
			select {
			case <-time.After(c.config.RetryInterval):
			case <-c.done:
				return nil, ErrClosed
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

func (c *Client) connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		channel.Close()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.channel = channel
	c.generation++
	generation := c.generation
	c.mu.Unlock()

	closed := channel.NotifyClose(make(chan *amqp.Error, 1))
	c.connected.Store(true)
	go c.watch(closed)

	c.logger.Info("RabbitMQ client ready",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("retry_queue", c.config.RetryQueue),
		slog.Uint64("generation", generation),
	)
	return nil
}

// watch waits for the channel to close and then reconnects. If reconnecting
// fails the client is closed for good and every call returns ErrClosed.
func (c *Client) watch(closed <-chan *amqp.Error) {
	amqpErr := <-closed
	c.connected.Store(false)
	if c.closed.Load() {
		return
	}

	attrs := []any{}
	if amqpErr != nil {
		attrs = append(attrs, slog.Int("code", amqpErr.Code), slog.String("reason", amqpErr.Reason))
	}
	c.logger.Error("RabbitMQ channel closed, reconnecting", attrs...)

	c.mu.Lock()
	stale := c.conn
	c.mu.Unlock()
	if stale != nil && !stale.IsClosed() {
		stale.Close()
	}

	if err := c.connect(); err != nil {
		if !errors.Is(err, ErrClosed) {
			c.logger.Error("RabbitMQ reconnect failed, giving up", slog.Any("error", err))
		}
		c.closed.Store(true)
		return
	}
	c.logger.Info("RabbitMQ reconnected")
}

// session returns the live channel and its generation
func (c *Client) session() (*amqp.Channel, uint64, error) {
	if c.closed.Load() {
		return nil, 0, ErrClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected.Load() || c.channel == nil {
		return nil, 0, errNotConnected
	}
	return c.channel, c.generation, nil
}

// deliveryChannel returns the live channel if generation is still current
func (c *Client) deliveryChannel(generation uint64) (*amqp.Channel, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if generation != c.generation {
		return nil, ErrStaleDelivery
	}
	if !c.connected.Load() || c.channel == nil {
		return nil, errNotConnected
	}
	return c.channel, nil
}

// IsStale reports whether deliveries of generation can no longer be settled
func (c *Client) IsStale(generation uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return generation != c.generation
}

// setup declares the work exchange and queue, plus the dead-letter pair and
// the retry queue when configured. Dead-letter entities must exist before the
// work queue references them.
func (c *Client) setup(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.config.ExchangeName, c.config.ExchangeType,
		c.config.ExchangeDurable, c.config.ExchangeAutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", c.config.ExchangeName, err)
	}

	if dlx := c.config.DeadLetterExchange; dlx != "" {
		if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", dlx, err)
		}
		if _, err := ch.QueueDeclare(c.config.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", c.config.DeadLetterQueue, err)
		}
		if err := ch.QueueBind(c.config.DeadLetterQueue, "", dlx, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", c.config.DeadLetterQueue, err)
		}
	}

	if _, err := ch.QueueDeclare(c.config.QueueName, c.config.QueueDurable,
		c.config.QueueAutoDelete, c.config.QueueExclusive, false, c.queueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.config.QueueName, err)
	}
	if err := ch.QueueBind(c.config.QueueName, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", c.config.QueueName, err)
	}

	if rq := c.config.RetryQueue; rq != "" {
		if _, err := ch.QueueDeclare(rq, true, false, false, false, c.retryQueueArgs()); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", rq, err)
		}
	}

	return nil
}

// queueArgs routes rejected messages to the dead-letter exchange
func (c *Client) queueArgs() amqp.Table {
	if c.config.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange": c.config.DeadLetterExchange,
	}
}

// retryQueueArgs holds messages for RetryDelay, then routes them back to the
// work exchange
func (c *Client) retryQueueArgs() amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    c.config.ExchangeName,
		"x-dead-letter-routing-key": c.config.RoutingKey,
	}
	if c.config.RetryDelay > 0 {
		args["x-message-ttl"] = c.config.RetryDelay.Milliseconds()
	}
	return args
}

// publish sends a persistent message without retrying
func (c *Client) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, _, err := c.session()
	if err != nil {
		return err
	}

	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

// PublishRetry parks a message on the retry queue; it returns to the work
// queue once RetryDelay has passed
func (c *Client) PublishRetry(ctx context.Context, body []byte, headers amqp.Table) error {
	if c.config.RetryQueue == "" {
		return fmt.Errorf("retry queue is not configured")
	}

	err := c.publish(ctx, "", c.config.RetryQueue, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Headers:     headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish retry: %w", err)
	}
	return nil
}

// PublishDeadLetter publishes a message to the dead-letter exchange
func (c *Client) PublishDeadLetter(ctx context.Context, body []byte, headers amqp.Table) error {
	if c.config.DeadLetterExchange == "" {
		return fmt.Errorf("dead-letter exchange is not configured")
	}

	err := c.publish(ctx, c.config.DeadLetterExchange, "", amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Headers:     headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	return nil
}

// PublishWithRetry publishes to the work exchange, backing off exponentially between attempts
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	retries := c.config.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	mult := c.config.PublishBackoffMult
	if mult <= 0 {
		mult = 2.0
	}

	msg := amqp.Publishing{ContentType: contentType, Body: body}

	var lastErr error
	attempt := 0
	for ; attempt <= retries; attempt++ {
		lastErr = c.publish(ctx, c.config.ExchangeName, c.config.RoutingKey, msg)
		if ctx.Err() != nil {
			return fmt.Errorf("failed to publish message: %w", ctx.Err())
		}
		if lastErr == nil {
			if attempt > 0 {
				c.logger.Info("Message published after retry", slog.Int("attempt", attempt+1))
			}
			return nil
		}
		if attempt == retries || errors.Is(lastErr, ErrClosed) {
			break
		}

		delay := backoffDelay(baseDelay, mult, attempt)
		c.logger.Warn("Publish failed, backing off",
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delay),
			slog.Any("error", lastErr),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("failed to publish message: %w", ctx.Err())
		}
	}

	return fmt.Errorf("failed to publish message after %d attempt(s): %w", attempt+1, lastErr)
}

// backoffDelay returns base * mult^attempt
func backoffDelay(base time.Duration, mult float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
}

// Consume sets QoS and starts a manual-ack consumer on the work queue. The
// returned generation identifies the channel the deliveries arrive on.
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, uint64, error) {
	ch, generation, err := c.session()
	if err != nil {
		return nil, 0, err
	}

	prefetch := max(c.config.PrefetchCount, 1)
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, 0, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to consume from %s: %w", c.config.QueueName, err)
	}

	c.logger.Info("Consuming work queue",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetch),
		slog.Uint64("generation", generation),
	)
	return deliveries, generation, nil
}

// Ack acknowledges a delivery received on the given channel generation
func (c *Client) Ack(generation, deliveryTag uint64) error {
	ch, err := c.deliveryChannel(generation)
	if err != nil {
		return err
	}
	return ch.Ack(deliveryTag, false)
}

// Nack rejects a delivery received on the given channel generation;
// requeue=false routes it to the dead-letter exchange
func (c *Client) Nack(generation, deliveryTag uint64, requeue bool) error {
	ch, err := c.deliveryChannel(generation)
	if err != nil {
		return err
	}
	return ch.Nack(deliveryTag, false, requeue)
}

// IsConnected reports whether the channel is open
func (c *Client) IsConnected() bool {
	if c.closed.Load() || !c.connected.Load() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// IsClosed reports whether the client was closed or gave up reconnecting
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the channel and the connection and stops reconnecting
func (c *Client) Close() error {
	c.closed.Store(true)
	c.connected.Store(false)
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})

	c.mu.Lock()
	channel, conn := c.channel, c.conn
	c.channel, c.conn = nil, nil
	c.mu.Unlock()

	var errs []error
	if channel != nil {
		if err := channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Error("Failed to close RabbitMQ client", slog.Any("error", err))
		return err
	}
	c.logger.Info("RabbitMQ connection closed")
	return nil
}
