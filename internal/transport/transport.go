// Package transport connects the local engine to the remote authority: a
// request/response client for batch submission and conflict reporting, and
// a persistent channel for pings and change notifications.
package transport

import (
	"net/http"
	"time"

	"offsync/internal/constants"
	"offsync/internal/models"
	"offsync/internal/retry"

	"github.com/sirupsen/logrus"
)

// Config is everything needed to reach one authority.
type Config struct {
	APIURL       string
	WSURL        string
	Token        string
	DeviceID     string
	Timeout      time.Duration
	PingInterval time.Duration
	Reconnect    retry.BackoffConfig
}

// DefaultReconnectConfig waits 5s after the first close and grows by 1.5x
// up to one minute.
func DefaultReconnectConfig() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultReconnectDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultReconnectMaxDelayMs) * time.Millisecond,
		Multiplier:   constants.DefaultReconnectMultiplier,
		MaxAttempts:  1,
	}
}

// ConfigFrom builds a transport config from the file settings.
func ConfigFrom(rc models.RemoteConfig, deviceID string) Config {
	cfg := Config{
		APIURL:       rc.APIURL,
		WSURL:        rc.WSURL,
		Token:        rc.Token,
		DeviceID:     deviceID,
		Timeout:      time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second,
		PingInterval: time.Duration(constants.DefaultPingIntervalSec) * time.Second,
		Reconnect:    DefaultReconnectConfig(),
	}
	if rc.TimeoutSec > 0 {
		cfg.Timeout = time.Duration(rc.TimeoutSec) * time.Second
	}
	if rc.PingIntervalSec > 0 {
		cfg.PingInterval = time.Duration(rc.PingIntervalSec) * time.Second
	}
	if rc.ReconnectDelayMs > 0 {
		cfg.Reconnect.InitialDelay = time.Duration(rc.ReconnectDelayMs) * time.Millisecond
	}
	if rc.ReconnectMaxDelayMs > 0 {
		cfg.Reconnect.MaxDelay = time.Duration(rc.ReconnectMaxDelayMs) * time.Millisecond
	}
	return cfg
}

// Transport bundles the HTTP client and the persistent channel.
type Transport struct {
	*HTTPClient
	*Channel

	breaker *CircuitBreaker
}

// New wires both halves of the transport. Channel options are passed
// through, which lets tests swap the dialer or the reconnect timer.
func New(cfg Config, logger *logrus.Logger, opts ...ChannelOption) (*Transport, error) {
	breaker := NewCircuitBreaker("authority",
		constants.DefaultCircuitBreakerFailures,
		time.Duration(constants.DefaultCircuitBreakerTimeoutSec)*time.Second,
		logger)

	client := NewHTTPClient(cfg.APIURL, cfg.Token, &http.Client{Timeout: cfg.Timeout}, breaker, logger)

	channel, err := NewChannel(ChannelConfig{
		URL:          cfg.WSURL,
		Token:        cfg.Token,
		DeviceID:     cfg.DeviceID,
		PingInterval: cfg.PingInterval,
		Reconnect:    cfg.Reconnect,
	}, logger, opts...)
	if err != nil {
		return nil, err
	}

	return &Transport{HTTPClient: client, Channel: channel, breaker: breaker}, nil
}

// BreakerState exposes the authority circuit breaker for health reporting.
func (t *Transport) BreakerState() BreakerState {
	return t.breaker.State()
}
