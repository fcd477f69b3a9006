package venus

import (
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Conn is the MQTT client primitive a session needs. Operations are asynchronous:
// failures are logged by the implementation and never block the caller.
type Conn interface {
	Publish(topic string, payload string)
	Subscribe(filter string)
	Unsubscribe(filters ...string)
	// Close ends the connection without waiting for the broker.
	Close()
}

// Handlers receive the connection lifecycle events of a Conn.
type Handlers struct {
	OnConnect        func()
	OnMessage        func(topic string, payload []byte)
	OnConnectionLost func(err error)
	OnReconnecting   func()
}

// ConnectOptions describe how to reach a device broker.
type ConnectOptions struct {
	Host            string
	Port            int
	TLS             bool
	ClientID        string
	Username        string
	Password        string
	ReconnectPeriod time.Duration
}

// URL returns the broker URL in the scheme paho expects.
func (o ConnectOptions) URL() string {
	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

// Dialer opens a Conn. Connecting happens in the background; the returned Conn is usable
// immediately and reports readiness through Handlers.OnConnect.
type Dialer func(opts ConnectOptions, handlers Handlers) (Conn, error)

type pahoConn struct {
	client mqtt.Client
	log    *logrus.Entry
}

// PahoDialer connects with the eclipse paho client. The client reconnects on its own and
// keeps retrying the initial connect every ReconnectPeriod.
func PahoDialer(log *logrus.Entry) Dialer {
	return func(o ConnectOptions, h Handlers) (Conn, error) {
		period := o.ReconnectPeriod
		if period <= 0 {
			period = ReconnectPeriod
		}

		opts := mqtt.NewClientOptions().
			AddBroker(o.URL()).
			SetClientID(o.ClientID).
			SetCleanSession(true).
			SetOrderMatters(true).
			SetKeepAlive(KeepAliveInterval).
			SetPingTimeout(10 * time.Second).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(period).
			SetMaxReconnectInterval(period).
			SetOnConnectHandler(func(mqtt.Client) {
				if h.OnConnect != nil {
					h.OnConnect()
				}
			}).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				if h.OnConnectionLost != nil {
					h.OnConnectionLost(err)
				}
			}).
			SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
				if h.OnReconnecting != nil {
					h.OnReconnecting()
				}
			}).
			SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
				if h.OnMessage != nil {
					h.OnMessage(msg.Topic(), msg.Payload())
				}
			})

		if o.Username != "" {
			opts.SetUsername(o.Username)
			opts.SetPassword(o.Password)
		}
		if o.TLS {
			opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
		}

		c := &pahoConn{client: mqtt.NewClient(opts), log: log}
		c.watch("connect", o.URL(), c.client.Connect())
		return c, nil
	}
}

func (c *pahoConn) Publish(topic string, payload string) {
	c.watch("publish", topic, c.client.Publish(topic, 0, false, payload))
}

func (c *pahoConn) Subscribe(filter string) {
	c.watch("subscribe", filter, c.client.Subscribe(filter, 0, nil))
}

func (c *pahoConn) Unsubscribe(filters ...string) {
	if len(filters) == 0 {
		return
	}
	c.watch("unsubscribe", fmt.Sprint(filters), c.client.Unsubscribe(filters...))
}

func (c *pahoConn) Close() {
	c.client.Disconnect(0)
}

// watch logs a token failure without blocking the caller; paho forbids waiting on tokens
// from inside its handlers when message order matters.
func (c *pahoConn) watch(op, target string, token mqtt.Token) {
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.log.Warnf("MQTT %s %s failed: %v", op, target, err)
		}
	}()
}
