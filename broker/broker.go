// Package broker wraps the MQTT client shared by the dispatcher and
// agent roles (spec.md §4.8/§6.3): publish/subscribe with QoS and
// retained-message support, a registered last-will, and
// reconnect/backoff tuned the way the teacher tunes its API retries
// (github.com/buildkite/roko) rather than relying on paho's built-in
// (weaker) auto-reconnect policy alone.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/buildkite/roko"

	"github.com/apkfoundry/af/logger"
)

// ErrConnectFailed is returned when the initial CONNACK round-trip
// never succeeds; per spec.md §7 this is fatal to the owning process.
var ErrConnectFailed = errors.New("broker: connect failed")

// Handler processes one received message. Handlers run on paho's
// internal goroutine and must not block for long.
type Handler func(topic string, payload []byte)

// LastWill describes the retained message the broker publishes on our
// behalf if the connection drops without a clean disconnect.
type LastWill struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Client is a thin, logged wrapper around a paho MQTT client.
type Client struct {
	cli mqtt.Client
	log logger.Logger
}

// Options configures a new Client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Will      *LastWill

	// MaxAttempts bounds the initial-connect retry loop; the library
	// default (below) gives ~2 minutes of retrying before giving up.
	MaxAttempts int
}

// Connect dials the broker, retrying the CONNACK round-trip with
// roko's exponential-backoff-with-jitter strategy (the same shape as
// core/client.go's AcquireJob retrier). A failure after MaxAttempts is
// fatal: the caller should log.Fatal and exit per spec.md §7.
func Connect(ctx context.Context, opts Options, log logger.Logger) (*Client, error) {
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(false). // we drive the initial connect ourselves with roko
		SetOrderMatters(false)

	if opts.Will != nil {
		mqttOpts.SetWill(opts.Will.Topic, string(opts.Will.Payload), opts.Will.QoS, opts.Will.Retain)
	}

	mqttOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("[broker] connection lost: %v (paho will auto-reconnect)", err)
	})
	mqttOpts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Notice("[broker] connected to %s", opts.BrokerURL)
	})

	c := mqtt.NewClient(mqttOpts)

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 7
	}

	err := roko.NewRetrier(
		roko.WithMaxAttempts(maxAttempts),
		roko.WithStrategy(roko.Exponential(2*time.Second, 0)),
		roko.WithJitterRange(-1*time.Second, 5*time.Second),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		token := c.Connect()
		if !token.WaitTimeout(30 * time.Second) {
			return fmt.Errorf("%w: timed out waiting for CONNACK (%s)", ErrConnectFailed, r)
		}
		if err := token.Error(); err != nil {
			log.Warn("[broker] connect attempt failed: %v (%s)", err, r)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	return &Client{cli: c, log: log}, nil
}

// Publish sends payload to topic at the given QoS, optionally
// retained.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.cli.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: publishing %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for every message matching filter
// (an MQTT topic filter, which may contain + and # wildcards) at the
// given QoS.
func (c *Client) Subscribe(filter string, qos byte, handler Handler) error {
	token := c.cli.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: subscribing %s: %w", filter, err)
	}
	return nil
}

// Disconnect cleanly disconnects within the given grace period,
// suppressing the last-will publication a dirty disconnect would
// otherwise trigger.
func (c *Client) Disconnect(grace time.Duration) {
	c.cli.Disconnect(uint(grace.Milliseconds()))
}
