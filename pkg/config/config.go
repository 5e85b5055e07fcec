package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Stripe       StripeConfig
	SMS          SMSConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Sweep        SweepConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MEMBERHUB_APP_ENV" required:"true"`
	Port         string `envconfig:"MEMBERHUB_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MEMBERHUB_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MEMBERHUB_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MEMBERHUB_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MEMBERHUB_DB_DSN"`
	Driver string `envconfig:"MEMBERHUB_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MEMBERHUB_DB_HOST"`
	LegacyPort     int    `envconfig:"MEMBERHUB_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MEMBERHUB_DB_USER"`
	LegacyPassword string `envconfig:"MEMBERHUB_DB_PASSWORD"`
	LegacyName     string `envconfig:"MEMBERHUB_DB_NAME"`
	LegacySSLMode  string `envconfig:"MEMBERHUB_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MEMBERHUB_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MEMBERHUB_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MEMBERHUB_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MEMBERHUB_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MEMBERHUB_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MEMBERHUB_REDIS_ADDR"`
	Password     string        `envconfig:"MEMBERHUB_REDIS_PASSWORD"`
	DB           int           `envconfig:"MEMBERHUB_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MEMBERHUB_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MEMBERHUB_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MEMBERHUB_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MEMBERHUB_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MEMBERHUB_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type StripeConfig struct {
	APIKey         string        `envconfig:"MEMBERHUB_STRIPE_API_KEY"`
	SigningSecret  string        `envconfig:"MEMBERHUB_STRIPE_SIGNING_SECRET"`
	Env            string        `envconfig:"MEMBERHUB_STRIPE_ENV" default:"test"`
	MonthlyPriceID string        `envconfig:"MEMBERHUB_STRIPE_MONTHLY_PRICE_ID"`
	AnnualPriceID  string        `envconfig:"MEMBERHUB_STRIPE_ANNUAL_PRICE_ID"`
	CallTimeout    time.Duration `envconfig:"MEMBERHUB_STRIPE_CALL_TIMEOUT" default:"15s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SMSConfig struct {
	APIURL             string        `envconfig:"MEMBERHUB_SMS_API_URL"`
	APIKey             string        `envconfig:"MEMBERHUB_SMS_API_KEY"`
	FromNumber         string        `envconfig:"MEMBERHUB_SMS_FROM_NUMBER"`
	DefaultCountryCode string        `envconfig:"MEMBERHUB_SMS_DEFAULT_COUNTRY_CODE" default:"1"`
	SendTimeout        time.Duration `envconfig:"MEMBERHUB_SMS_SEND_TIMEOUT" default:"10s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"MEMBERHUB_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"MEMBERHUB_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"MEMBERHUB_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationTopic        string `envconfig:"MEMBERHUB_PUBSUB_NOTIFICATION_TOPIC" default:"mh-notification-events"`
	NotificationSubscription string `envconfig:"MEMBERHUB_PUBSUB_NOTIFICATION_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"MEMBERHUB_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"MEMBERHUB_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"MEMBERHUB_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"MEMBERHUB_OUTBOX_RETENTION" default:"720h"`
}

type SweepConfig struct {
	WarningHorizonDays int `envconfig:"MEMBERHUB_SWEEP_WARNING_HORIZON_DAYS" default:"3"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"MEMBERHUB_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"MEMBERHUB_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	WebhookInflightTTL   time.Duration `envconfig:"MEMBERHUB_EVENTING_WEBHOOK_INFLIGHT_TTL" default:"2m"`
	OutboxIdempotencyTTL time.Duration `envconfig:"MEMBERHUB_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
