package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Transport TransportConfig `mapstructure:"transport"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Demo      DemoConfig      `mapstructure:"demo"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Forwarder ForwarderConfig `mapstructure:"forwarder"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type MetricsConfig struct {
	Port string `mapstructure:"port" validate:"required,numeric"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type TransportConfig struct {
	Endpoint             string        `mapstructure:"endpoint" validate:"required,url"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"gte=0"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay" validate:"gt=0"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
}

type SimulatorConfig struct {
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	OriginLat float64       `mapstructure:"origin_lat" validate:"gte=-90,lte=90"`
	OriginLon float64       `mapstructure:"origin_lon" validate:"gte=-180,lte=180"`
	MaxDrift  float64       `mapstructure:"max_drift" validate:"gt=0,lte=1"`
}

type TrackingConfig struct {
	Source    string `mapstructure:"source" validate:"oneof=live simulated"`
	PathLimit int    `mapstructure:"path_limit" validate:"gt=0"`
}

type DemoConfig struct {
	Vehicles  []string      `mapstructure:"vehicles"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	CenterLat float64       `mapstructure:"center_lat" validate:"gte=-90,lte=90"`
	CenterLon float64       `mapstructure:"center_lon" validate:"gte=-180,lte=180"`
}

type PipelineConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	QueueSize int  `mapstructure:"queue_size" validate:"gt=0"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
	MaxPoints int64         `mapstructure:"max_points" validate:"gt=0"`
}

type ForwarderConfig struct {
	GRPCServer string        `mapstructure:"grpc_server"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type GatewayConfig struct {
	TCPPort   string `mapstructure:"tcp_port" validate:"required,numeric"`
	WSAddr    string `mapstructure:"ws_addr" validate:"required"`
	RawLogDir string `mapstructure:"raw_log_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("metrics.port", "9000")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("transport.endpoint", "ws://localhost:8080/ws")
	v.SetDefault("transport.max_reconnect_attempts", 5)
	v.SetDefault("transport.reconnect_base_delay", time.Second)
	v.SetDefault("transport.handshake_timeout", 10*time.Second)

	v.SetDefault("simulator.interval", 2*time.Second)
	v.SetDefault("simulator.origin_lat", 40.7128)
	v.SetDefault("simulator.origin_lon", -74.0060)
	v.SetDefault("simulator.max_drift", 0.0005)

	v.SetDefault("tracking.source", "simulated")
	v.SetDefault("tracking.path_limit", 50)

	v.SetDefault("demo.vehicles", []string{"TRK-001", "TRK-002", "VAN-003", "VAN-004", "CAR-005"})
	v.SetDefault("demo.interval", 3*time.Second)
	v.SetDefault("demo.center_lat", 40.7128)
	v.SetDefault("demo.center_lon", -74.0060)

	v.SetDefault("pipeline.enabled", false)
	v.SetDefault("pipeline.queue_size", 1024)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)
	v.SetDefault("redis.max_points", 500)

	v.SetDefault("forwarder.grpc_server", "")
	v.SetDefault("forwarder.timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "gps-data")

	v.SetDefault("gateway.tcp_port", "8001")
	v.SetDefault("gateway.ws_addr", ":8080")
	v.SetDefault("gateway.raw_log_dir", "")
}

// Load reads defaults, the optional YAML file at path and FLEET_* env vars,
// then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetConfigPath returns FLEET_CONFIG_PATH, else configs/config.yaml if it
// exists, else "".
func GetConfigPath() string {
	if path := getEnv("FLEET_CONFIG_PATH", ""); path != "" {
		return path
	}
	p := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
