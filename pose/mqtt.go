package pose

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// RequestHandler is called for every registration request received over MQTT.
// doc is nil and err set when the payload could not be parsed.
type RequestHandler func(requestID string, doc *Document, err error)

// StopHandler is called when a stop is requested for a running registration
type StopHandler func(requestID string)

// MQTTClient receives registration requests and stop commands over MQTT
type MQTTClient struct {
	client         mqtt.Client
	config         MQTTConfig
	requestHandler RequestHandler
	stopHandler    StopHandler
	logger         *zap.SugaredLogger
	isConnected    bool
	mu             sync.RWMutex
}

// WithEnv returns a copy of the settings overridden by the MQTT_BROKER,
// MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX
// environment variables
func (c MQTTConfig) WithEnv() MQTTConfig {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Broker, "MQTT_BROKER")
	override(&c.ClientID, "MQTT_CLIENT_ID")
	override(&c.Username, "MQTT_USERNAME")
	override(&c.Password, "MQTT_PASSWORD")
	override(&c.PublishPrefix, "MQTT_PUBLISH_PREFIX")
	if c.ClientID == "" {
		c.ClientID = "posereg"
	}
	if c.PublishPrefix == "" {
		c.PublishPrefix = "posereg"
	}
	return c
}

// StopTopic returns the topic filter on which stop commands are received
func (c MQTTConfig) StopTopic() string {
	return c.PublishPrefix + "/+/stop"
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If no broker is configured, MQTT is disabled and this returns nil, nil.
func InitMQTT(config MQTTConfig, onRequest RequestHandler, onStop StopHandler, logger *zap.SugaredLogger) (*MQTTClient, error) {
	config = config.WithEnv()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if config.Broker == "" {
		logger.Info("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if config.RequestTopic == "" {
		return nil, fmt.Errorf("MQTT enabled but no request topic configured")
	}

	c := &MQTTClient{
		config:         config,
		requestHandler: onRequest,
		stopHandler:    onStop,
		logger:         logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// registrations are long; let stop commands through while one runs
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)

	go c.connectWithRetry()

	return c, nil
}

// connectWithRetry attempts to connect to the broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Infof("[MQTT] connecting to %s", c.config.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("[MQTT] connected")
				c.setConnected(true)
				return
			}
			c.logger.Warnf("[MQTT] connection failed: %v", token.Error())
		} else {
			c.logger.Warn("[MQTT] connection timeout")
		}

		c.logger.Infof("[MQTT] retrying in %v", retryDelay)
		time.Sleep(retryDelay)
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// onConnect subscribes to the request and stop topics
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	subscriptions := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{c.config.RequestTopic, c.handleRequest},
		{c.config.RequestTopic + "/+", c.handleRequest},
		{c.config.StopTopic(), c.handleStop},
	}

	for _, sub := range subscriptions {
		token := client.Subscribe(sub.topic, 0, sub.handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Errorf("[MQTT] error subscribing to %s: %v", sub.topic, token.Error())
			continue
		}
		c.logger.Infof("[MQTT] subscribed to %s", sub.topic)
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warnf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("[MQTT] reconnecting")
}

// handleRequest decodes a correspondence document and hands it to the request handler
func (c *MQTTClient) handleRequest(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	c.logger.Debugf("[MQTT] request on %s (%d bytes)", msg.Topic(), len(payload))

	doc, err := ParseCorrespondenceJSON(payload)
	id := requestID(msg.Topic(), c.config.RequestTopic, doc)
	if err != nil {
		c.logger.Warnf("[MQTT] invalid request %s: %v", id, err)
		doc = nil
	} else {
		doc.ID = id
	}

	if c.requestHandler != nil {
		c.requestHandler(id, doc, err)
	}
}

// handleStop extracts the request ID of {prefix}/{id}/stop and calls the stop handler
func (c *MQTTClient) handleStop(client mqtt.Client, msg mqtt.Message) {
	id, ok := stopRequestID(msg.Topic(), c.config.PublishPrefix)
	if !ok {
		c.logger.Warnf("[MQTT] ignoring stop on unexpected topic %s", msg.Topic())
		return
	}
	c.logger.Infof("[MQTT] stop requested for %s", id)
	if c.stopHandler != nil {
		c.stopHandler(id)
	}
}

// requestID picks the request identifier: the topic suffix below the request
// topic, then the document ID, then a timestamp
func requestID(topic, requestTopic string, doc *Document) string {
	if suffix, ok := strings.CutPrefix(topic, requestTopic+"/"); ok && suffix != "" && !strings.Contains(suffix, "/") {
		return suffix
	}
	if doc != nil && doc.ID != "" {
		return doc.ID
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}

// stopRequestID converts "{prefix}/{id}/stop" into id
func stopRequestID(topic, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/stop")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("[MQTT] disconnecting")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// Config returns the effective settings, environment overrides included
func (c *MQTTClient) Config() MQTTConfig {
	return c.config
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client
func newMQTTClientWithMock(client mqtt.Client, config MQTTConfig, onRequest RequestHandler, onStop StopHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config.WithEnv(),
		requestHandler: onRequest,
		stopHandler:    onStop,
		logger:         zap.NewNop().Sugar(),
	}
}
