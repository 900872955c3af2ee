package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepresence/internal/config"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	udpWriteTimeout    = 2 * time.Second
)

// ErrNotConnected is returned by MQTTSink.Send while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt client not connected")

// Sink delivers one serialized payload.
type Sink interface {
	Name() string
	Send(ctx context.Context, topic string, payload []byte) error
}

// Reconnector is implemented by sinks that hold a connection.
type Reconnector interface {
	Connected() bool
	Reconnect(ctx context.Context) error
	Close()
}

// MQTTSink publishes with QoS 0 through a paho client.
type MQTTSink struct {
	mu     sync.Mutex
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *logrus.Entry
}

// NewMQTTSink creates a sink for cfg. It does not connect.
func NewMQTTSink(cfg config.MQTTConfig, logger *logrus.Logger) *MQTTSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &MQTTSink{
		cfg: cfg,
		logger: logger.WithFields(logrus.Fields{
			"component": "publish",
			"sink":      "mqtt",
			"broker":    net.JoinHostPort(cfg.Broker, strconv.Itoa(cfg.Port)),
		}),
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) newClient() mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", net.JoinHostPort(s.cfg.Broker, strconv.Itoa(s.cfg.Port)))).
		SetClientID(s.cfg.ClientID).
		SetKeepAlive(time.Duration(s.cfg.KeepAlive) * time.Second).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.WithError(err).Warn("MQTT connection lost")
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
		s.logger.WithField("user", s.cfg.Username).Info("Using MQTT authentication")
	} else {
		s.logger.Info("Using anonymous MQTT connection")
	}
	return mqtt.NewClient(opts)
}

// Connected reports whether the client currently holds a broker connection.
func (s *MQTTSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

// Reconnect drops any existing client and connects a fresh one.
func (s *MQTTSink) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}

	client := s.newClient()
	s.logger.Info("Connecting to MQTT broker...")
	token := client.Connect()

	wait := mqttConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < wait {
			wait = d
		}
	}
	if !token.WaitTimeout(wait) {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect to %s:%d timed out", s.cfg.Broker, s.cfg.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s:%d failed: %w", s.cfg.Broker, s.cfg.Port, err)
	}

	s.client = client
	s.logger.Info("Connected to MQTT broker")
	return nil
}

// Send publishes payload on topic. A disconnected client yields ErrNotConnected.
func (s *MQTTSink) Send(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
		s.logger.Info("MQTT disconnected")
	}
}

// UDPSink sends each payload as one datagram. Topics are ignored.
type UDPSink struct {
	addr   string
	dialer net.Dialer
}

// NewUDPSink creates a sink for host:port.
func NewUDPSink(host string, port int) *UDPSink {
	return &UDPSink{addr: net.JoinHostPort(host, strconv.Itoa(port))}
}

func (s *UDPSink) Name() string { return "udp" }

// Addr returns the destination address.
func (s *UDPSink) Addr() string { return s.addr }

func (s *UDPSink) Send(ctx context.Context, _ string, payload []byte) error {
	conn, err := s.dialer.DialContext(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("udp dial %s: %w", s.addr, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(udpWriteTimeout)); err != nil {
		return fmt.Errorf("udp deadline %s: %w", s.addr, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("udp send %s: %w", s.addr, err)
	}
	return nil
}
