package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DeviceConfig holds settings for the barcode scanner and weight scale services
type DeviceConfig struct {
	LogLevel string

	MQTTHost     string
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string
	AuthFile     string // JSON {"user","password"}, preferred over MQTT_USERNAME
	RootCA       string // enables TLS when set

	VendorID  uint16
	ProductID uint16

	SerialPort   string
	PollInterval time.Duration
}

// LoadDevice reads .env (if present) and the process environment. The
// defaults differ per service, so the caller passes them in.
func LoadDevice(defaultHost, defaultTopic string) (*DeviceConfig, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &DeviceConfig{
		LogLevel: env.getEnv("LOG_LEVEL", "info"),

		MQTTHost:     env.getEnv("MQTT_URL", defaultHost),
		MQTTPort:     env.getEnvInt("MQTT_PORT", 1883),
		MQTTUsername: env.getEnv("MQTT_USERNAME", ""),
		MQTTPassword: env.getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:    env.getEnv("MQTT_TOPIC", defaultTopic),
		AuthFile:     env.getEnv("SSCAPE_AUTH_FILE", ""),
		RootCA:       env.getEnv("SSCAPE_ROOTCA", ""),

		VendorID:  env.getEnvUint16("USB_VENDOR_ID", 0x05e0),
		ProductID: env.getEnvUint16("USB_PRODUCT_ID", 0x1200),

		SerialPort:   env.getEnv("SCALE_PORT", "/dev/ttyUSB0"),
		PollInterval: env.getEnvDuration("SCALE_POLL_INTERVAL", 0),
	}
	if err := env.err(); err != nil {
		return nil, err
	}
	if cfg.MQTTPort < 1 || cfg.MQTTPort > 65535 {
		return nil, fmt.Errorf("MQTT_PORT out of range: %d", cfg.MQTTPort)
	}
	return cfg, nil
}

// getEnvUint16 accepts decimal or 0x-prefixed hex
func (r *envReader) getEnvUint16(key string, defaultValue uint16) uint16 {
	value := r.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseUint(value, 0, 16)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid id %q", key, value))
		return defaultValue
	}
	return uint16(n)
}
