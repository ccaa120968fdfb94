// Package config loads and validates the sink configuration from YAML files
// with environment-variable overrides. It provides typed structs for the
// delivery engine (HEC, Transport) and its collaborators (Kafka, Redis,
// Postgres, dead-letter sinks, logging, metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	HEC        HECConfig        `yaml:"hec"`
	Transport  TransportConfig  `yaml:"transport"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// HECConfig controls batching, channel fan-out, acknowledgment polling and
// retry policy of the delivery engine.
type HECConfig struct {
	URIs       []string `yaml:"uris"`
	Token      string   `yaml:"token"`
	Raw        bool     `yaml:"raw"`
	Ack        bool     `yaml:"ack"`
	Formatted  bool     `yaml:"jsonEventFormatted"`
	Index      string   `yaml:"index"`
	Source     string   `yaml:"source"`
	Sourcetype string   `yaml:"sourcetype"`
	Host       string   `yaml:"host"`

	// Enrichment is a comma-separated list of key=value pairs merged into
	// every structured event's fields.
	Enrichment string `yaml:"enrichment"`

	// TrackData adds kafka_topic, kafka_partition, kafka_offset and
	// kafka_timestamp to every structured event's fields.
	TrackData bool `yaml:"trackData"`

	HeaderSupport    bool     `yaml:"headerSupport"`
	HeaderIndex      string   `yaml:"headerIndex"`
	HeaderSource     string   `yaml:"headerSource"`
	HeaderSourcetype string   `yaml:"headerSourcetype"`
	HeaderHost       string   `yaml:"headerHost"`
	HeaderCustom     []string `yaml:"headerCustom"`

	LineBreaker  string        `yaml:"lineBreaker"`
	FlushTimeout time.Duration `yaml:"flushTimeout"`
	MaxBatchSize int           `yaml:"maxBatchSize"`
	Threads      int           `yaml:"threads"`

	TotalChannels   int           `yaml:"totalChannels"`
	AckPollInterval time.Duration `yaml:"ackPollInterval"`
	AckPollThreads  int           `yaml:"ackPollThreads"`
	MaxPendingAck   time.Duration `yaml:"maxPendingAck"`
	QueueCapacity   int           `yaml:"queueCapacity"`

	MaxRetries             int           `yaml:"maxRetries"`
	RetryBackoff           time.Duration `yaml:"retryBackoff"`
	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures"`
	ProbeInterval          time.Duration `yaml:"probeInterval"`
	ShutdownTimeout        time.Duration `yaml:"shutdownTimeout"`
	ValidationDisable      bool          `yaml:"validationDisable"`
}

// TransportConfig is the immutable snapshot used to build one pooled HTTP
// client per channel.
type TransportConfig struct {
	MaxConnsPerChannel int           `yaml:"maxHttpConnPerChannel"`
	MaxConnsTotal      int           `yaml:"maxHttpConnTotal"`
	SocketTimeout      time.Duration `yaml:"socketTimeout"`
	SendBufferSize     int           `yaml:"sendBufferSize"`
	KeepAlive          bool          `yaml:"keepAlive"`
	Compress           bool          `yaml:"compress"`

	DisableCertVerification bool   `yaml:"disableSSLCertVerification"`
	TrustStorePath          string `yaml:"trustStorePath"`
	TrustStoreType          string `yaml:"trustStoreType"`
	TrustStorePassword      string `yaml:"trustStorePassword"`

	ProxyHost string `yaml:"proxyHost"`
	ProxyPort int    `yaml:"proxyPort"`

	KerberosPrincipal  string `yaml:"kerberosPrincipal"`
	KerberosKeytab     string `yaml:"kerberosKeytab"`
	KerberosConfigPath string `yaml:"kerberosConfigPath"`
	KerberosSPN        string `yaml:"kerberosSPN"`
}

// KerberosEnabled reports whether SPNEGO authentication is configured.
func (t TransportConfig) KerberosEnabled() bool {
	return t.KerberosPrincipal != "" && t.KerberosKeytab != ""
}

// KafkaConfig holds the upstream consumer settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	Topics        []string `yaml:"topics"`
}

// RedisConfig holds Redis connection parameters for the dead-letter list.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// PostgresConfig holds PostgreSQL connection parameters for the delivery
// ledger.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// DeadLetterConfig selects where unrecoverable batches are parked. Each sink
// is enabled by setting its target name.
type DeadLetterConfig struct {
	KafkaTopic  string        `yaml:"kafkaTopic"`
	RedisKey    string        `yaml:"redisKey"`
	RedisMaxLen int64         `yaml:"redisMaxLen"`
	S3Bucket    string        `yaml:"s3Bucket"`
	S3Prefix    string        `yaml:"s3Prefix"`
	S3Region    string        `yaml:"s3Region"`
	S3Timeout   time.Duration `yaml:"s3Timeout"`
}

// Enabled reports whether any dead-letter sink is configured.
func (d DeadLetterConfig) Enabled() bool {
	return d.KafkaTopic != "" || d.RedisKey != "" || d.S3Bucket != ""
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics and health server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values. Load does not validate; call Validate before starting the engine.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns a Config with the engine defaults.
func Default() *Config {
	return &Config{
		HEC: HECConfig{
			Ack:                    true,
			LineBreaker:            "\n",
			FlushTimeout:           5 * time.Second,
			MaxBatchSize:           1000000,
			Threads:                1,
			TotalChannels:          2,
			AckPollInterval:        10 * time.Second,
			AckPollThreads:         2,
			MaxPendingAck:          300 * time.Second,
			QueueCapacity:          100,
			MaxRetries:             3,
			RetryBackoff:           time.Second,
			MaxConsecutiveFailures: 3,
			ProbeInterval:          10 * time.Second,
			ShutdownTimeout:        30 * time.Second,
		},
		Transport: TransportConfig{
			MaxConnsPerChannel: 2,
			SocketTimeout:      60 * time.Second,
			KeepAlive:          true,
			TrustStoreType:     "JKS",
			KerberosConfigPath: "/etc/krb5.conf",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "splunk-hec-sink",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "hecsink",
			User:            "hecsink",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		DeadLetter: DeadLetterConfig{
			RedisMaxLen: 10000,
			S3Prefix:    "hec-deadletter",
			S3Timeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads HECSINK_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HECSINK_HEC_URIS"); v != "" {
		cfg.HEC.URIs = splitList(v)
	}
	if v := os.Getenv("HECSINK_HEC_TOKEN"); v != "" {
		cfg.HEC.Token = v
	}
	if v := os.Getenv("HECSINK_HEC_RAW"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HEC.Raw = b
		}
	}
	if v := os.Getenv("HECSINK_HEC_ACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HEC.Ack = b
		}
	}
	if v := os.Getenv("HECSINK_HEC_TRACK_DATA"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HEC.TrackData = b
		}
	}
	if v := os.Getenv("HECSINK_HEC_INDEX"); v != "" {
		cfg.HEC.Index = v
	}
	if v := os.Getenv("HECSINK_HEC_ENRICHMENT"); v != "" {
		cfg.HEC.Enrichment = v
	}
	if v := os.Getenv("HECSINK_HEC_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HEC.QueueCapacity = n
		}
	}
	if v := os.Getenv("HECSINK_TRANSPORT_DISABLE_SSL_CERT_VERIFICATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Transport.DisableCertVerification = b
		}
	}
	if v := os.Getenv("HECSINK_TRANSPORT_TRUSTSTORE_PATH"); v != "" {
		cfg.Transport.TrustStorePath = v
	}
	if v := os.Getenv("HECSINK_TRANSPORT_TRUSTSTORE_PASSWORD"); v != "" {
		cfg.Transport.TrustStorePassword = v
	}
	if v := os.Getenv("HECSINK_TRANSPORT_PROXY_HOST"); v != "" {
		cfg.Transport.ProxyHost = v
	}
	if v := os.Getenv("HECSINK_TRANSPORT_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Transport.ProxyPort = port
		}
	}
	if v := os.Getenv("HECSINK_TRANSPORT_KERBEROS_PRINCIPAL"); v != "" {
		cfg.Transport.KerberosPrincipal = v
	}
	if v := os.Getenv("HECSINK_TRANSPORT_KERBEROS_KEYTAB"); v != "" {
		cfg.Transport.KerberosKeytab = v
	}
	if v := os.Getenv("HECSINK_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("HECSINK_KAFKA_TOPICS"); v != "" {
		cfg.Kafka.Topics = splitList(v)
	}
	if v := os.Getenv("HECSINK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HECSINK_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HECSINK_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("HECSINK_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("HECSINK_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HECSINK_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("HECSINK_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
