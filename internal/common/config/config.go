package config

import "fmt"

type Config struct {
	App          AppConfig               `mapstructure:"app"`
	Camunda      CamundaConfig           `mapstructure:"camunda"`
	Database     DatabaseConfig          `mapstructure:"database"`
	Workers      map[string]WorkerConfig `mapstructure:"workers"`
	Dispatch     DispatchConfig          `mapstructure:"dispatch"`
	Phase        PhaseConfig             `mapstructure:"phase"`
	Mail         MailConfig              `mapstructure:"mail"`
	Integrations IntegrationConfig       `mapstructure:"integrations"`
	Logging      LoggingConfig           `mapstructure:"logging"`
	Metrics      MetricsConfig           `mapstructure:"metrics"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// CamundaConfig is optional. An empty broker address disables the Zeebe
// publisher and job workers.
type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
	MessageTTL     int    `mapstructure:"message_ttl"`     // milliseconds
}

func (c CamundaConfig) Enabled() bool {
	return c.BrokerAddress != ""
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory store keeps nothing
	// across restarts.
	Driver string `mapstructure:"driver"`
	// AutoMigrate applies the embedded schema migrations on startup.
	AutoMigrate   bool                `mapstructure:"auto_migrate"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// GetURL returns the postgres:// form golang-migrate expects.
func (p PostgresConfig) GetURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// ElasticsearchConfig is optional; without addresses delivery auditing is off.
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

func (e ElasticsearchConfig) Enabled() bool {
	return len(e.Addresses) > 0
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	QueueKey string `mapstructure:"queue_key"`
}

type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

type DispatchConfig struct {
	// Queue is "redis" or "memory".
	Queue             string `mapstructure:"queue"`
	BatchSize         int    `mapstructure:"batch_size"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	BatchPauseSeconds int    `mapstructure:"batch_pause_seconds"`
}

type PhaseConfig struct {
	AutoAdvance          bool `mapstructure:"auto_advance"`
	TickIntervalSeconds  int  `mapstructure:"tick_interval_seconds"`
	HikeResetWindowHours int  `mapstructure:"hike_reset_window_hours"`
}

type MailConfig struct {
	// Provider is one of "smtp", "ses" or "dummy".
	Provider string     `mapstructure:"provider"`
	From     string     `mapstructure:"from"`
	BaseURL  string     `mapstructure:"base_url"`
	SMTP     SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	UseTLS   bool   `mapstructure:"use_tls"`
	Timeout  int    `mapstructure:"timeout"` // milliseconds
}

type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			ConfigurationSet string `mapstructure:"configuration_set"`
		} `mapstructure:"ses"`
	} `mapstructure:"aws"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}
