package inbox_gateway_config

import (
	"time"

	"github.com/inboxd/inboxd/internal/obs"
	kafkax "github.com/inboxd/inboxd/internal/repository/kafka"
	pginfra "github.com/inboxd/inboxd/internal/repository/postgres"
)

type KafkaFeed struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

func (k KafkaFeed) AsConsumerConfig() *kafkax.ConsumerConfig {
	return &kafkax.ConsumerConfig{
		Brokers: k.Brokers,
		Topic:   k.Topic,
		GroupID: k.GroupID,
	}
}

type Outbox struct {
	Workers       int           `mapstructure:"workers"`
	BatchSize     int           `mapstructure:"batch_size"`
	Tick          time.Duration `mapstructure:"tick"`
	InProgressTTL time.Duration `mapstructure:"in_progress_ttl"`
}

type Delivery struct {
	LoadLimit int `mapstructure:"load_limit"`
}

type Server struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	App    string `mapstructure:"app"`
	Env    string `mapstructure:"env"`
	Ver    string `mapstructure:"ver"`
}

func (l Log) AsLoggerConfig() obs.LogConfig {
	return obs.LogConfig{Level: l.Level, Pretty: l.Pretty, App: l.App, Env: l.Env, Ver: l.Ver}
}

type OTEL struct {
	Enable       bool    `mapstructure:"enable"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
}

func (o OTEL) AsOTELConfig() *obs.OTELConfig {
	return &obs.OTELConfig{
		Enable:      o.Enable,
		Endpoint:    o.OTLPEndpoint,
		ServiceName: o.ServiceName,
		SampleRatio: o.SampleRatio,
	}
}

type Config struct {
	DB       pginfra.Config `mapstructure:"db"`
	Feed     KafkaFeed      `mapstructure:"kafka_feed"`
	Outbox   Outbox         `mapstructure:"outbox"`
	Delivery Delivery       `mapstructure:"delivery"`
	Server   Server         `mapstructure:"server"`
	Log      Log            `mapstructure:"log"`
	OTEL     OTEL           `mapstructure:"otel"`
}
