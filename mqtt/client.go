package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eddielth/telemetry-normalizer/config"
	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/google/uuid"
)

const (
	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// MessageHandler is called for every message on a subscribed topic
type MessageHandler func(topic string, payload []byte)

// RecordHandler processes one raw telemetry payload
type RecordHandler interface {
	Handle(source string, payload []byte) error
}

// Client is a paho client that (re)subscribes to its topics on every connect
type Client struct {
	client  mqtt.Client
	config  config.MQTTConfig
	handler MessageHandler

	mu         sync.Mutex
	subscribed map[string]bool
}

// Manager wires an MQTT subscription to a RecordHandler
type Manager struct {
	client *Client
}

// NewManager creates a manager for cfg that hands payloads to records
func NewManager(cfg config.MQTTConfig, records RecordHandler) (*Manager, error) {
	c, err := newClient(cfg, createMessageHandler(records))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	return &Manager{client: c}, nil
}

// Start connects to the broker. Subscriptions are made by the connect
// handler, so they are restored after automatic reconnects too.
func (m *Manager) Start() error {
	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker
func (m *Manager) Stop() {
	m.client.Disconnect()
}

// createMessageHandler routes every message to records. Classification is
// done on the payload, so the topic is only used as the record source.
func createMessageHandler(records RecordHandler) MessageHandler {
	return func(topic string, payload []byte) {
		logger.Debug("received %d bytes on topic %s", len(payload), topic)

		// failures are logged by the handler and must not stop the subscription
		_ = records.Handle("mqtt:"+topic, payload)
	}
}

func newClient(cfg config.MQTTConfig, handler MessageHandler) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "telemetry-normalizer-" + uuid.NewString()[:8]
	}

	c := &Client{
		config:     cfg,
		handler:    handler,
		subscribed: make(map[string]bool),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected to MQTT broker %s as %s", cfg.Broker, cfg.ClientID)
			c.subscribeAll()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Error("MQTT connection lost: %v", err)
			c.resetSubscriptions()
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			logger.Info("reconnecting to MQTT broker %s", cfg.Broker)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect connects to the broker and waits for the result
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection to MQTT broker %s timed out", c.config.Broker)
	}
	return token.Error()
}

func (c *Client) subscribeAll() {
	for _, topic := range c.config.Topics {
		if err := c.Subscribe(topic); err != nil {
			logger.Warn("failed to subscribe to topic %s: %v", topic, err)
		}
	}
}

// Subscribe subscribes to topic with the configured QoS
func (c *Client) Subscribe(topic string) error {
	token := c.client.Subscribe(topic, c.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		c.handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return err
	}

	c.mu.Lock()
	c.subscribed[topic] = true
	c.mu.Unlock()

	logger.Info("subscribed to topic %s (qos %d)", topic, c.config.QoS)
	return nil
}

// Subscriptions lists the topics subscribed on the current connection
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.subscribed))
	for t := range c.subscribed {
		topics = append(topics, t)
	}
	return topics
}

func (c *Client) resetSubscriptions() {
	c.mu.Lock()
	c.subscribed = make(map[string]bool)
	c.mu.Unlock()
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
	c.resetSubscriptions()
	logger.Info("disconnected from MQTT broker")
}
