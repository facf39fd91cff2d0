package mqtt

import (
	"context"
	"net"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"
)

const dialTimeoutSeconds = 5
const connectTimeoutSeconds = 5
const subscribeTimeoutSeconds = 15
const publishTimeoutSeconds = 4
const keepAliveSeconds = 30

// Message is a single inbound publish, queued for the supervisory loop.
type Message struct {
	Topic   string
	Payload []byte
}

type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Will is the last-will registration sent with the CONNECT packet. The
// broker delivers it on the topic if the session drops uncleanly.
type Will struct {
	Topic   string
	Payload []byte
}

// MqttClient wraps a single broker session based on the low level paho
// client. It deliberately does not reconnect on its own: the session
// manager owns attempt counting and backoff, and calls Connect again
// when it decides to.
type MqttClient struct {
	broker   *url.URL
	clientID string
	username string
	password string
	will     *Will

	client    *paho.Client
	connected atomic.Bool
	inbound   chan<- Message
	logger    *log.Logger
}

func NewMqttClient(broker, clientID string, inbound chan<- Message) (mc *MqttClient, err error) {
	addr, err := url.Parse(broker)
	if err != nil {
		err = errors.Wrap(err, "failed to parse broker url")
		return
	}

	mc = &MqttClient{
		broker:   addr,
		clientID: clientID,
		inbound:  inbound,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttClient: ",
			Level:  log.GetLevel(),
		}),
	}

	return
}

func (mc *MqttClient) SetCredentials(username, password string) {
	mc.username = username
	mc.password = password
}

func (mc *MqttClient) SetWill(topic string, payload []byte) {
	mc.will = &Will{Topic: topic, Payload: payload}
}

func (mc *MqttClient) IsConnected() bool {
	return mc.connected.Load()
}

func (mc *MqttClient) onPublishRecv() []func(paho.PublishReceived) (bool, error) {
	return []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			select {
			case mc.inbound <- Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}:
			default:
				mc.logger.Warn("inbound queue full, dropping message", "topic", pr.Packet.Topic)
			}
			return true, nil
		},
	}
}

func (mc *MqttClient) onClientError(err error) {
	mc.connected.Store(false)
	mc.logger.Error("Received mqtt client error", "err", err)
}

func (mc *MqttClient) onSrvDisconnect(d *paho.Disconnect) {
	mc.connected.Store(false)
	mc.logger.Info("Disconnected from MQTT broker", "reason", d.ReasonCode)
}

// Connect dials the broker, sends CONNECT with the registered will and
// subscribes to the given topics. A single call is bounded by the dial,
// connect and subscribe timeouts; it never retries on its own.
func (mc *MqttClient) Connect(ctx context.Context, topics []string) (err error) {
	conn, err := net.DialTimeout("tcp", mc.broker.Host, dialTimeoutSeconds*time.Second)
	if err != nil {
		return errors.Wrap(err, "failed to dial mqtt broker")
	}

	mc.client = paho.NewClient(paho.ClientConfig{
		Conn:               conn,
		ClientID:           mc.clientID,
		OnClientError:      mc.onClientError,
		OnServerDisconnect: mc.onSrvDisconnect,
		OnPublishReceived:  mc.onPublishRecv(),
	})

	connectPacket := &paho.Connect{
		ClientID:   mc.clientID,
		KeepAlive:  keepAliveSeconds,
		CleanStart: true,
	}

	if len(mc.username) > 0 {
		connectPacket.Username = mc.username
		connectPacket.UsernameFlag = true
		connectPacket.Password = []byte(mc.password)
		connectPacket.PasswordFlag = true
	}

	if mc.will != nil {
		connectPacket.WillMessage = &paho.WillMessage{
			Retain:  true,
			QoS:     1,
			Topic:   mc.will.Topic,
			Payload: mc.will.Payload,
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeoutSeconds*time.Second)
	defer cancel()

	connAck, err := mc.client.Connect(connectCtx, connectPacket)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "mqtt connect failed")
	}
	if connAck.ReasonCode != 0 {
		conn.Close()
		return errors.Errorf("mqtt connect refused, reason code: %d", connAck.ReasonCode)
	}

	mc.connected.Store(true)
	mc.logger.Info("Connected to MQTT broker", "broker", mc.broker.Host)

	if len(topics) > 0 {
		err = mc.subscribe(ctx, topics)
		if err != nil {
			mc.Disconnect()
			return
		}
	}

	return
}

func (mc *MqttClient) subscribe(ctx context.Context, topics []string) error {
	subs := []paho.SubscribeOptions{}
	for _, topic := range topics {
		subs = append(subs, paho.SubscribeOptions{
			QoS:   1,
			Topic: topic,
		})
	}

	mc.logger.Debug("subscribing mqtt", "subs", subs)

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeoutSeconds*time.Second)
	defer cancel()

	_, err := mc.client.Subscribe(subCtx, &paho.Subscribe{
		Subscriptions: subs,
	})
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to topics")
	}

	return nil
}

func (mc *MqttClient) Publish(topic string, payload []byte, retain bool) (err error) {
	if !mc.connected.Load() {
		return errors.New("not connected to mqtt broker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err = mc.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Retain:  retain,
		Payload: payload,
	})
	return
}

func (mc *MqttClient) Disconnect() error {
	if mc.client == nil {
		return nil
	}

	mc.connected.Store(false)
	return mc.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
