package gwconfig

import "github.com/kelseyhightower/envconfig"

// EventingConfig is the optional Kafka/Redis layer: task-completion events
// published to Kafka, and a Redis cache in front of quota reads. Both are
// no-ops when unset, so a deployment with neither broker still runs.
type EventingConfig struct {
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TASK_TOPIC" default:"gateway.task.events"`

	RedisAddr       string `envconfig:"REDIS_ADDR"`
	RedisTTLSeconds int    `envconfig:"REDIS_QUOTA_TTL_SECONDS" default:"5"`
}

// LoadEventingConfig reads the eventing layer's settings via envconfig,
// using struct tags to describe each environment variable instead of the
// hand-rolled getEnv helpers the rest of this package uses.
func LoadEventingConfig() (*EventingConfig, error) {
	var cfg EventingConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
