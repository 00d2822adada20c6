// Package mqttpub publishes device events as JSON over MQTT.
package mqttpub

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config describes the broker connection
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	AuthFile string // JSON {"user","password"}; wins over Username/Password
	RootCA   string // PEM file; switches the broker URL to ssl://
}

// Client is a connected MQTT publisher
type Client struct {
	client mqtt.Client
	broker string
	logger *zap.Logger
}

type authFile struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// Credentials resolves the username and password for cfg
func Credentials(cfg Config) (string, string, error) {
	if cfg.AuthFile != "" {
		data, err := os.ReadFile(cfg.AuthFile)
		if errors.Is(err, os.ErrNotExist) {
			return "", "", nil
		}
		if err != nil {
			return "", "", fmt.Errorf("failed to read auth file: %w", err)
		}
		var a authFile
		if err := json.Unmarshal(data, &a); err != nil {
			return "", "", fmt.Errorf("invalid auth file %s: %w", cfg.AuthFile, err)
		}
		return a.User, a.Password, nil
	}
	if cfg.Username != "" && cfg.Password != "" {
		return cfg.Username, cfg.Password, nil
	}
	return "", "", nil
}

// BrokerURL is tcp://host:port, or ssl:// when a root CA is configured
func BrokerURL(cfg Config) string {
	scheme := "tcp"
	if cfg.RootCA != "" {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

// NewClient connects to the broker with auto-reconnect enabled
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	logger = logger.Named("mqtt")
	broker := BrokerURL(cfg)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	user, pass, err := Credentials(cfg)
	if err != nil {
		return nil, err
	}
	if user != "" {
		opts.SetUsername(user)
		opts.SetPassword(pass)
	}

	if cfg.RootCA != "" {
		tlsCfg, err := rootCATLS(cfg.RootCA)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", zap.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	logger.Info("connecting to MQTT", zap.String("broker", broker))

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &Client{client: client, broker: broker, logger: logger}, nil
}

func rootCATLS(path string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// PublishJSON marshals v and publishes it with QoS 0
func (c *Client) PublishJSON(topic string, v any) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	c.logger.Debug("published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// Close disconnects with a 250ms grace period
func (c *Client) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
}

// TopicID is the last segment of topic, used as the event id
func TopicID(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
