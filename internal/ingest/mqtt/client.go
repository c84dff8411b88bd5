// Package mqtt ingests point-location updates over MQTT, generalizing the
// teacher's internal/mqtt/client.go subscribe/parse/hand-off shape from
// FANET's bit-packed aircraft beacons to a plain JSON {key,lat,lon} payload.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/flybeeper/geoquery/internal/config"
	"github.com/flybeeper/geoquery/internal/metrics"
)

// Location is one decoded MQTT location update. A payload that sets Remove
// carries no meaningful Lat/Lon and retracts Key instead of setting it.
type Location struct {
	Key    string  `json:"key"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Remove bool    `json:"remove,omitempty"`
}

// Handler is called once per successfully decoded Location, whether it sets
// a point (typically writer.Writer.Set) or retracts one (Location.Remove,
// typically writer.Writer.Remove).
type Handler func(ctx context.Context, loc Location) error

// Client subscribes to cfg.TopicPrefix and forwards decoded locations to a
// Handler (typically writer.Writer.Set).
type Client struct {
	client  paho.Client
	cfg     config.MQTTConfig
	logger  *logrus.Entry
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	connected bool
}

// New constructs a Client. Connect must be called to actually dial the
// broker.
func New(cfg config.MQTTConfig, handler Handler, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:     cfg,
		logger:  logger.WithField("component", "ingest.mqtt"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(client paho.Client) {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()

		c.logger.WithField("broker", cfg.URL).Info("connected to MQTT broker")
		metrics.MQTTConnectionStatus.Set(1)

		if token := client.Subscribe(cfg.TopicPrefix, 1, c.messageHandler()); token.Wait() && token.Error() != nil {
			c.logger.WithFields(logrus.Fields{"topic": cfg.TopicPrefix, "error": token.Error()}).
				Error("failed to subscribe to topic")
		} else {
			c.logger.WithField("topic", cfg.TopicPrefix).Info("subscribed to MQTT topic")
		}
	})

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		c.logger.WithError(err).Warn("lost connection to MQTT broker")
		metrics.MQTTConnectionStatus.Set(0)
	})

	c.client = paho.NewClient(opts)
	return c
}

// Connect dials the broker and blocks until connected, until a 10-second
// timeout expires, or until Disconnect is called.
func (c *Client) Connect() error {
	c.logger.WithField("broker", c.cfg.URL).Info("connecting to MQTT broker")

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("ingest/mqtt: connect: %w", token.Error())
	}

	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("ingest/mqtt: connection timeout")
		case <-ticker.C:
			if c.IsConnected() {
				return nil
			}
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// Disconnect detaches from the broker and waits for in-flight handlers.
func (c *Client) Disconnect() {
	c.logger.Info("disconnecting from MQTT broker")
	c.cancel()
	if c.client.IsConnected() {
		c.client.Disconnect(1000)
	}
	c.wg.Wait()
	c.logger.Info("MQTT client disconnected")
}

// IsConnected reports the client's current connection status.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

func (c *Client) messageHandler() paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()

			loc, err := decodeLocation(msg.Payload())
			if err != nil {
				c.logger.WithFields(logrus.Fields{"topic": msg.Topic(), "error": err}).
					Warn("failed to decode location payload")
				metrics.MQTTParseErrors.Inc()
				return
			}

			metrics.MQTTMessagesReceived.Inc()

			if c.handler == nil {
				return
			}
			if err := c.handler(c.ctx, loc); err != nil {
				c.logger.WithFields(logrus.Fields{"topic": msg.Topic(), "key": loc.Key, "error": err}).
					Warn("location handler failed")
			}
		}()
	}
}

// decodeLocation parses one MQTT payload as a JSON {key,lat,lon} Location
// (or {key,remove:true} to retract key), additionally rejecting an empty
// key since such a payload can never be written back to the store under
// any valid key.
func decodeLocation(payload []byte) (Location, error) {
	var loc Location
	if err := json.Unmarshal(payload, &loc); err != nil {
		return Location{}, fmt.Errorf("ingest/mqtt: decode payload: %w", err)
	}
	if loc.Key == "" {
		return Location{}, fmt.Errorf("ingest/mqtt: payload is missing \"key\"")
	}
	return loc, nil
}
