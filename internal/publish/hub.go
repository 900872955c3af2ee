// Package publish fans presence and battery reports out to MQTT and UDP.
//
// Delivery is best effort: failures are logged and never reach the caller.
// Each sink sits behind a circuit breaker so an unreachable broker costs one
// fast failure per report instead of a connect timeout.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/srg/blepresence/internal/config"
	"github.com/srg/blepresence/internal/device"
)

const (
	breakerMaxFailures uint32 = 3
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

// Publisher is what the daemon and the battery job need from the hub.
type Publisher interface {
	PublishPresence(ctx context.Context, report PresenceReport)
	PublishBattery(ctx context.Context, report BatteryReport)
}

type guardedSink struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Hub holds the enabled sinks for the current configuration.
type Hub struct {
	mu       sync.RWMutex
	hostname string
	scanBase string
	battBase string
	mqttCfg  config.MQTTConfig
	udpCfg   config.UDPConfig
	mqtt     *guardedSink
	udp      *guardedSink
	extra    []*guardedSink
	now      func() time.Time
	logger   *logrus.Logger
}

var _ Publisher = (*Hub)(nil)

// NewHub builds a hub for cfg. Connections are opened lazily by Revalidate.
func NewHub(cfg *config.Config, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	h := &Hub{
		hostname: hostname,
		now:      time.Now,
		logger:   logger,
	}
	h.Update(cfg)
	return h
}

func (h *Hub) guard(s Sink) *guardedSink {
	entry := h.logger.WithFields(logrus.Fields{"component": "publish", "sink": s.Name()})
	return &guardedSink{
		sink: s,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "publish:" + s.Name(),
			MaxRequests: 1,
			Interval:    breakerInterval,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerMaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				entry.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state change")
			},
		}),
	}
}

// Update applies a freshly loaded configuration. Sinks whose settings did not
// change are kept with their connection and breaker state. It reports whether
// a connection-oriented sink was rebuilt and needs Revalidate.
func (h *Hub) Update(cfg *config.Config) bool {
	if cfg == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.scanBase = strings.TrimSuffix(cfg.MQTT.ScanTopic, "/")
	h.battBase = strings.TrimSuffix(cfg.MQTT.BatteryTopic, "/")

	rebuilt := false

	if cfg.MQTT != h.mqttCfg || (cfg.MQTT.Enabled && h.mqtt == nil) {
		h.closeMQTTLocked()
		h.mqttCfg = cfg.MQTT
		if cfg.MQTT.Enabled && cfg.MQTT.Broker != "" {
			h.mqtt = h.guard(NewMQTTSink(cfg.MQTT, h.logger))
			rebuilt = true
		}
	}

	if cfg.UDP != h.udpCfg || (cfg.UDP.Enabled && h.udp == nil) {
		h.udp = nil
		h.udpCfg = cfg.UDP
		if cfg.UDP.Enabled && cfg.UDP.Host != "" && cfg.UDP.Port > 0 {
			h.udp = h.guard(NewUDPSink(cfg.UDP.Host, cfg.UDP.Port))
		}
	}
	return rebuilt
}

// AddSink registers an additional sink that receives every report.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extra = append(h.extra, h.guard(s))
}

// Revalidate reconnects sinks that lost their connection.
func (h *Hub) Revalidate(ctx context.Context) {
	for _, gs := range h.snapshot() {
		rc, ok := gs.sink.(Reconnector)
		if !ok || rc.Connected() {
			continue
		}
		logger := h.logger.WithFields(logrus.Fields{"component": "publish", "sink": gs.sink.Name()})
		logger.Warn("Connection lost or not yet established, reconnecting")
		if err := rc.Reconnect(ctx); err != nil {
			logger.WithError(err).Error("Reconnect failed")
		}
	}
}

// PublishPresence sends report on <scan_topic>/<MAC>.
func (h *Hub) PublishPresence(ctx context.Context, report PresenceReport) {
	if report.Hostname == "" {
		report.Hostname = h.hostname
	}
	if report.Timestamp == 0 {
		report.Timestamp = h.now().Unix()
	}
	h.mu.RLock()
	topic := h.scanBase + "/" + device.SafeAddress(report.Address)
	h.mu.RUnlock()
	h.send(ctx, topic, report.Address, report)
}

// PublishBattery sends report on <battery_topic>/<MAC>.
func (h *Hub) PublishBattery(ctx context.Context, report BatteryReport) {
	if report.Hostname == "" {
		report.Hostname = h.hostname
	}
	if report.Timestamp == 0 {
		report.Timestamp = h.now().Unix()
	}
	h.mu.RLock()
	topic := h.battBase + "/" + device.SafeAddress(report.Address)
	h.mu.RUnlock()
	h.send(ctx, topic, report.Address, report)
}

func (h *Hub) send(ctx context.Context, topic, address string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).WithField("address", address).Error("Failed to encode report")
		return
	}

	for _, gs := range h.snapshot() {
		logger := h.logger.WithFields(logrus.Fields{
			"component": "publish",
			"sink":      gs.sink.Name(),
			"topic":     topic,
			"address":   address,
		})
		_, err := gs.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, gs.sink.Send(ctx, topic, payload)
		})
		switch {
		case err == nil:
			logger.Debug("Report sent")
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			logger.Debug("Sink unavailable, report dropped")
		case errors.Is(err, ErrNotConnected):
			logger.Warn("MQTT client not connected, report skipped")
		default:
			logger.WithError(err).Error("Failed to send report")
		}
	}
}

func (h *Hub) snapshot() []*guardedSink {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sinks := make([]*guardedSink, 0, 2+len(h.extra))
	if h.udp != nil {
		sinks = append(sinks, h.udp)
	}
	if h.mqtt != nil {
		sinks = append(sinks, h.mqtt)
	}
	return append(sinks, h.extra...)
}

// Close disconnects every connected sink.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeMQTTLocked()
	for _, gs := range h.extra {
		if rc, ok := gs.sink.(Reconnector); ok {
			rc.Close()
		}
	}
}

func (h *Hub) closeMQTTLocked() {
	if h.mqtt == nil {
		return
	}
	if rc, ok := h.mqtt.sink.(Reconnector); ok {
		rc.Close()
	}
	h.mqtt = nil
}
