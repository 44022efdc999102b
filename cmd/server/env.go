package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"turtlecraft.ai/internal/transport/mqttpub"
)

type envConfig struct {
	EnableAdminHTTP  bool
	StoreMaxAttempts int
	MQTT             mqttpub.Config
}

// loadEnv reads .env (optional) and the TC_* toggles.
func loadEnv(logger *log.Logger) (envConfig, error) {
	if err := godotenv.Load(); err != nil {
		logger.Printf("no .env loaded: %v", err)
	}
	cfg := envConfig{
		EnableAdminHTTP:  getEnvBool("TC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		StoreMaxAttempts: getEnvInt("TC_STORE_MAX_ATTEMPTS", 4),
		MQTT: mqttpub.Config{
			BrokerURL:      getEnvString("TC_MQTT_BROKER_URL", ""),
			ClientID:       getEnvString("TC_MQTT_CLIENT_ID", "turtlecraft-server"),
			Username:       getEnvString("TC_MQTT_USERNAME", ""),
			Password:       getEnvString("TC_MQTT_PASSWORD", ""),
			TopicPrefix:    getEnvString("TC_MQTT_TOPIC_PREFIX", "turtlecraft"),
			QoS:            byte(getEnvInt("TC_MQTT_QOS", 1)),
			KeepAlive:      time.Duration(getEnvInt("TC_MQTT_KEEPALIVE_SEC", 30)) * time.Second,
			ConnectTimeout: time.Duration(getEnvInt("TC_MQTT_CONNECT_TIMEOUT_SEC", 10)) * time.Second,
		},
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("env config: %w", err)
	}
	return cfg, nil
}

func (c envConfig) validate() error {
	if c.StoreMaxAttempts > 20 {
		return fmt.Errorf("TC_STORE_MAX_ATTEMPTS must be <= 20, got %d", c.StoreMaxAttempts)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("TC_MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if u := c.MQTT.BrokerURL; u != "" && !strings.Contains(u, "://") {
		return fmt.Errorf("TC_MQTT_BROKER_URL needs a scheme (tcp://, ssl://, ws://): %q", u)
	}
	return nil
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func getEnvString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
