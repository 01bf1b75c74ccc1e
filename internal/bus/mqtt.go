// Package bus hands records to an MQTT broker.
//
// A Conn lives for one supervisor session. Its readiness is a channel
// closed exactly once by the client's connect callback; inbound message
// handlers are registered per Conn and dropped when it closes.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBrokerUnavailable covers a broker that is unreachable, never becomes
// ready, or stops accepting publishes.
var ErrBrokerUnavailable = errors.New("broker unavailable")

type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// SubscribeTopic, when set, is subscribed on every connect; messages
	// arrive at handlers registered with OnMessage.
	SubscribeTopic string
	Logger         *zap.Logger

	// NewClient builds the underlying client. Defaults to mqtt.NewClient.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

// MessageHandler receives inbound publishes.
type MessageHandler = func(topic string, payload []byte)

type Dialer struct {
	opts Options
}

func NewDialer(opts Options) *Dialer {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.QoS > 2 {
		opts.QoS = 2
	}
	if strings.TrimSpace(opts.ClientID) == "" {
		opts.ClientID = "crlogger-" + uuid.NewString()[:8]
	}
	if opts.NewClient == nil {
		opts.NewClient = mqtt.NewClient
	}
	return &Dialer{opts: opts}
}

// Connect starts connecting and returns immediately. Use WaitReady to
// block until the broker has acknowledged the session.
func (d *Dialer) Connect(ctx context.Context) (*Conn, error) {
	if strings.TrimSpace(d.opts.BrokerURL) == "" {
		return nil, fmt.Errorf("%w: broker url is empty", ErrBrokerUnavailable)
	}
	c := &Conn{
		opts:     d.opts,
		ready:    make(chan struct{}),
		handlers: map[uint64]MessageHandler{},
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(d.opts.BrokerURL)
	mo.SetClientID(d.opts.ClientID)
	mo.SetUsername(d.opts.Username)
	mo.SetPassword(d.opts.Password)
	mo.SetKeepAlive(d.opts.KeepAlive)
	mo.SetCleanSession(d.opts.CleanSession)
	mo.SetConnectTimeout(d.opts.ConnectTimeout)
	mo.SetOrderMatters(true)
	// Reconnects are the supervisor's job.
	mo.SetAutoReconnect(false)
	mo.SetConnectRetry(false)
	mo.SetOnConnectHandler(c.handleConnect)
	mo.SetConnectionLostHandler(c.handleConnectionLost)
	mo.SetDefaultPublishHandler(c.handleMessage)

	c.client = d.opts.NewClient(mo)
	c.connectToken = c.client.Connect()
	return c, nil
}

type Conn struct {
	opts         Options
	client       mqtt.Client
	connectToken mqtt.Token

	readyOnce sync.Once
	ready     chan struct{}

	mu       sync.RWMutex
	handlers map[uint64]MessageHandler
	nextID   uint64
	closed   bool
}

// Ready is closed once the broker accepts the connection.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// WaitReady blocks until the connection is ready, the connect attempt fails,
// timeout elapses or ctx is done.
func (c *Conn) WaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.opts.ConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var failed <-chan struct{}
	if c.connectToken != nil {
		failed = c.connectToken.Done()
	}
	for {
		select {
		case <-c.ready:
			return nil
		case <-failed:
			if err := c.connectToken.Error(); err != nil {
				return fmt.Errorf("%w: connect %s: %v", ErrBrokerUnavailable, c.opts.BrokerURL, err)
			}
			// Token finished without error; readiness follows from the callback.
			failed = nil
		case <-timer.C:
			return fmt.Errorf("%w: not ready after %s", ErrBrokerUnavailable, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Publish blocks until the client reports the handoff complete for the
// configured QoS.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.isClosed() {
		return fmt.Errorf("%w: connection closed", ErrBrokerUnavailable)
	}
	if !c.client.IsConnectionOpen() {
		return fmt.Errorf("%w: connection not open", ErrBrokerUnavailable)
	}
	tok := c.client.Publish(topic, c.opts.QoS, false, payload)

	timer := time.NewTimer(c.opts.PublishTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: publish %s: no completion after %s", ErrBrokerUnavailable, topic, c.opts.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMessage registers h for inbound messages until the returned function is
// called or the connection closes.
func (c *Conn) OnMessage(h MessageHandler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || h == nil {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close disconnects and drops every handler. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = map[uint64]MessageHandler{}
	c.mu.Unlock()

	// Disconnect also aborts a connect still in flight.
	if c.client != nil {
		c.client.Disconnect(250)
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conn) handleConnect(client mqtt.Client) {
	if c.isClosed() {
		// CONNACK arrived after Close; drop the late session.
		client.Disconnect(0)
		return
	}
	if c.opts.Logger != nil {
		c.opts.Logger.Info("mqtt connected", zap.String("broker", c.opts.BrokerURL), zap.String("client_id", c.opts.ClientID))
	}
	c.readyOnce.Do(func() { close(c.ready) })
	if topic := strings.TrimSpace(c.opts.SubscribeTopic); topic != "" {
		// nil callback routes to the default publish handler.
		client.Subscribe(topic, c.opts.QoS, nil)
	}
}

func (c *Conn) handleConnectionLost(_ mqtt.Client, err error) {
	if c.opts.Logger != nil {
		c.opts.Logger.Warn("mqtt connection lost", zap.Error(err))
	}
}

func (c *Conn) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.opts.Logger != nil {
		c.opts.Logger.Info("mqtt message received", zap.String("topic", msg.Topic()), zap.ByteString("payload", msg.Payload()))
	}
	c.mu.RLock()
	handlers := make([]MessageHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()
	for _, h := range handlers {
		h(msg.Topic(), msg.Payload())
	}
}
