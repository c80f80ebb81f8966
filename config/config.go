package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig  `yaml:"database"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Redis    RedisConfig     `yaml:"redis"`
	Alert    AlertCoreConfig `yaml:"alertcore"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	ReportEventsTopicName string `yaml:"report_events_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AlertCoreConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	TrackingCodePrefix    string `yaml:"tracking_code_prefix"`
	StatusCacheTTLSeconds int    `yaml:"status_cache_ttl_seconds"`

	SubmitRateLimitPerMinute int `yaml:"submit_rate_limit_per_minute"`

	// Duplicate detector knobs. Zero values fall back to defaults at wiring time.
	DetectorRadiusMeters           float64 `yaml:"detector_radius_meters"`
	DetectorWindowSeconds          int     `yaml:"detector_window_seconds"`
	DetectorScoreThreshold         float64 `yaml:"detector_score_threshold"`
	DetectorDecisionTimeoutSeconds int     `yaml:"detector_decision_timeout_seconds"`

	DispatchDecisionTimeoutSeconds int `yaml:"dispatch_decision_timeout_seconds"`

	HubQueueSize               int `yaml:"hub_queue_size"`
	HubHeartbeatTimeoutSeconds int `yaml:"hub_heartbeat_timeout_seconds"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`

	GeocoderBaseURL string `yaml:"geocoder_base_url"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
