// Package mqtt carries SmartREST messages over MQTT.
package mqtt

import (
	"context"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/devmgmt/swagent"
)

const (
	topicTokenRequest  = "s/uat"
	topicTokenResponse = "s/dat"
	templateToken      = "71"
	qos                = 1
)

// TokenSink receives platform tokens delivered on s/dat.
type TokenSink interface {
	Set(value string)
}

// Config wires a Client.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Token          TokenSink
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Client is a SmartREST transport. Subscriptions survive reconnects.
type Client struct {
	client  paho.Client
	token   TokenSink
	timeout time.Duration

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

// Dial connects to the broker.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("mqtt client id is empty")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}

	c := &Client{token: cfg.Token, timeout: timeout, subs: map[string]paho.MessageHandler{}}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(timeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})
	c.client = paho.NewClient(opts)
	if c.token != nil {
		c.subs[topicTokenResponse] = c.handleToken
	}

	log.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("connecting to mqtt broker")
	if err := wait(ctx, c.client.Connect(), timeout); err != nil {
		return nil, errors.Wrap(err, "connect mqtt broker")
	}
	return c, nil
}

// Publish sends msg with QoS 1.
func (c *Client) Publish(ctx context.Context, msg swagent.Message) error {
	topic := msg.Topic
	if topic == "" {
		topic = swagent.TopicUpstream
	}
	return errors.Wrapf(wait(ctx, c.client.Publish(topic, qos, false, msg.Encode()), c.timeout), "publish %s", topic)
}

// Subscribe delivers each payload arriving on topic to handler. A payload
// holding several operations stays one Inbound; record boundaries are left
// to the operation parser.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func(swagent.Inbound)) error {
	cb := func(_ paho.Client, m paho.Message) {
		in, err := swagent.ParseInbound(m.Topic(), m.Payload())
		if err != nil {
			log.Warn().Err(err).Str("topic", m.Topic()).Msg("drop smartrest payload")
			return
		}
		handler(in)
	}
	c.mu.Lock()
	c.subs[topic] = cb
	c.mu.Unlock()
	return errors.Wrapf(wait(ctx, c.client.Subscribe(topic, qos, cb), c.timeout), "subscribe %s", topic)
}

// RequestToken asks the platform for a fresh JWT; it arrives on s/dat.
func (c *Client) RequestToken(ctx context.Context) error {
	return errors.Wrap(wait(ctx, c.client.Publish(topicTokenRequest, qos, false, ""), c.timeout), "request token")
}

// Close disconnects after letting in-flight work finish.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

func (c *Client) onConnect(client paho.Client) {
	log.Info().Msg("mqtt connected")
	c.mu.Lock()
	subs := make(map[string]paho.MessageHandler, len(c.subs))
	for topic, cb := range c.subs {
		subs[topic] = cb
	}
	c.mu.Unlock()
	for topic, cb := range subs {
		if tok := client.Subscribe(topic, qos, cb); tok.WaitTimeout(c.timeout) && tok.Error() != nil {
			log.Error().Err(tok.Error()).Str("topic", topic).Msg("resubscribe failed")
		}
	}
}

func (c *Client) handleToken(_ paho.Client, m paho.Message) {
	if token, ok := parseToken(string(m.Payload())); ok {
		c.token.Set(token)
		log.Debug().Msg("platform token received")
	}
}

// parseToken extracts the JWT from a `71,<token>` line.
func parseToken(payload string) (string, bool) {
	in, err := swagent.ParseInbound(topicTokenResponse, []byte(payload))
	if err != nil || in.TemplateID != templateToken || len(in.Values) == 0 {
		return "", false
	}
	token := strings.TrimSpace(in.Values[0])
	return token, token != ""
}

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.Errorf("mqtt operation timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
