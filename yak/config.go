package yak

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config carries every tunable of a broker process. Zero values are not
// usable; construct via DefaultConfig or LoadConfig.
type Config struct {
	BrokerID  string
	Host      string
	Port      int
	CoordHost string
	CoordPort int
	DataDir   string

	LeaseTTL          time.Duration
	RenewInterval     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	ReplicationPoll   time.Duration
	RequestTimeout    time.Duration
}

// DefaultConfig returns a Config with the documented protocol defaults;
// identity fields are left empty.
func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		CoordHost:         "127.0.0.1",
		CoordPort:         6379,
		DataDir:           "./data",
		LeaseTTL:          10 * time.Second,
		RenewInterval:     3 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTTL:      6 * time.Second,
		ReplicationPoll:   200 * time.Millisecond,
		RequestTimeout:    5 * time.Second,
	}
}

// RegisterFlags declares the broker CLI surface on the given flag set.
func RegisterFlags(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.String("broker-id", "", "unique id of this broker, e.g. 1")
	fs.String("host", def.Host, "advertised host of the broker HTTP endpoint")
	fs.Int("port", 0, "port of the broker HTTP endpoint")
	fs.String("coord-host", def.CoordHost, "host of the coordination store")
	fs.Int("coord-port", def.CoordPort, "port of the coordination store")
	fs.String("data-dir", def.DataDir, "base directory for topic logs")
	fs.Duration("lease-ttl", def.LeaseTTL, "leader lease time-to-live")
	fs.Duration("renew-interval", def.RenewInterval, "lease renewal period, must be below half the TTL")
	fs.Duration("heartbeat-interval", def.HeartbeatInterval, "liveness publish period")
	fs.Duration("heartbeat-ttl", def.HeartbeatTTL, "age after which a registry entry counts as dead")
	fs.Duration("replication-poll", def.ReplicationPoll, "replication push/pull period")
	fs.Duration("request-timeout", def.RequestTimeout, "timeout applied to every peer and store request")
	fs.String("config", "", "optional path to a YAML config file")
}

// LoadConfig resolves flags, YAK_* environment variables and an optional
// config file into a validated Config. Precedence: flags > env > file >
// defaults.
func LoadConfig(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix("yak")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		BrokerID:          v.GetString("broker-id"),
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		CoordHost:         v.GetString("coord-host"),
		CoordPort:         v.GetInt("coord-port"),
		DataDir:           v.GetString("data-dir"),
		LeaseTTL:          v.GetDuration("lease-ttl"),
		RenewInterval:     v.GetDuration("renew-interval"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		HeartbeatTTL:      v.GetDuration("heartbeat-ttl"),
		ReplicationPoll:   v.GetDuration("replication-poll"),
		RequestTimeout:    v.GetDuration("request-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BrokerID == "" {
		return fmt.Errorf("broker-id is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port is required")
	}
	if c.RenewInterval >= c.LeaseTTL/2 {
		return fmt.Errorf("renew-interval %v must be below half the lease TTL %v", c.RenewInterval, c.LeaseTTL)
	}
	if c.HeartbeatInterval >= c.HeartbeatTTL {
		return fmt.Errorf("heartbeat-interval %v must be below heartbeat TTL %v", c.HeartbeatInterval, c.HeartbeatTTL)
	}
	return nil
}

// Info returns the advertised identity of the broker under this config.
func (c Config) Info() BrokerInfo {
	return BrokerInfo{BrokerID: c.BrokerID, Host: c.Host, Port: c.Port}
}

func (c Config) CoordAddr() string {
	return fmt.Sprintf("%s:%d", c.CoordHost, c.CoordPort)
}
