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
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Queue        QueueConfig
	Media        MediaConfig
	Storage      StorageConfig
	S3           S3Config
	GCP          GCPConfig
	GCS          GCSConfig
	PubSub       PubSubConfig
	Sweeper      SweeperConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Storage.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"INVITELY_APP_ENV" required:"true"`
	Port         string   `envconfig:"INVITELY_APP_PORT" default:"8080"`
	MetricsPort  string   `envconfig:"INVITELY_METRICS_PORT" default:"9090"`
	LogLevel     string   `envconfig:"INVITELY_LOG_LEVEL" default:"info"`
	LogFormat    string   `envconfig:"INVITELY_LOG_FORMAT" default:"json"`
	LogWarnStack bool     `envconfig:"INVITELY_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"INVITELY_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"INVITELY_DB_DSN"`
	Driver string `envconfig:"INVITELY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"INVITELY_DB_HOST"`
	LegacyPort     int    `envconfig:"INVITELY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"INVITELY_DB_USER"`
	LegacyPassword string `envconfig:"INVITELY_DB_PASSWORD"`
	LegacyName     string `envconfig:"INVITELY_DB_NAME"`
	LegacySSLMode  string `envconfig:"INVITELY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"INVITELY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"INVITELY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"INVITELY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"INVITELY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// UsesSQLite reports whether the configured driver is sqlite.
func (db DBConfig) UsesSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"INVITELY_REDIS_URL"`
	Address      string        `envconfig:"INVITELY_REDIS_ADDR"`
	Password     string        `envconfig:"INVITELY_REDIS_PASSWORD"`
	DB           int           `envconfig:"INVITELY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"INVITELY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"INVITELY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"INVITELY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"INVITELY_REDIS_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"INVITELY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"INVITELY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"INVITELY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"INVITELY_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"INVITELY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"INVITELY_AUTO_MIGRATE" default:"false"`
}

type QueueConfig struct {
	Concurrency       int           `envconfig:"INVITELY_QUEUE_CONCURRENCY" default:"2"`
	MaxAttempts       int           `envconfig:"INVITELY_QUEUE_MAX_ATTEMPTS" default:"3"`
	Backoff           time.Duration `envconfig:"INVITELY_QUEUE_BACKOFF" default:"5s"`
	RemoveOnComplete  bool          `envconfig:"INVITELY_QUEUE_REMOVE_ON_COMPLETE" default:"true"`
	VisibilityTimeout time.Duration `envconfig:"INVITELY_QUEUE_VISIBILITY_TIMEOUT" default:"5m"`
	BlockTimeout      time.Duration `envconfig:"INVITELY_QUEUE_BLOCK_TIMEOUT" default:"5s"`
	PromoteInterval   time.Duration `envconfig:"INVITELY_QUEUE_PROMOTE_INTERVAL" default:"1s"`
	ConsumerName      string        `envconfig:"INVITELY_QUEUE_CONSUMER_NAME"`
}

type MediaConfig struct {
	StagingDir         string        `envconfig:"INVITELY_PROCESSING_DIR" default:"./processing"`
	MaxUploadMB        int           `envconfig:"INVITELY_MAX_UPLOAD_MB" default:"25"`
	ImageQuality       int           `envconfig:"INVITELY_MEDIA_IMAGE_QUALITY" default:"75"`
	StatusWriteRetries int           `envconfig:"INVITELY_MEDIA_STATUS_WRITE_RETRIES" default:"5"`
	StatusWriteDelay   time.Duration `envconfig:"INVITELY_MEDIA_STATUS_WRITE_DELAY" default:"500ms"`
	ErrorMaxLength     int           `envconfig:"INVITELY_MEDIA_ERROR_MAX_LENGTH" default:"400"`
}

// MaxUploadBytes returns the upload size limit in bytes.
func (m MediaConfig) MaxUploadBytes() int64 {
	if m.MaxUploadMB <= 0 {
		return 0
	}
	return int64(m.MaxUploadMB) << 20
}

type StorageConfig struct {
	Backend       string `envconfig:"INVITELY_STORAGE_BACKEND" default:"s3"`
	PublicBaseURL string `envconfig:"INVITELY_STORAGE_PUBLIC_BASE_URL"`
	KeyPrefix     string `envconfig:"INVITELY_STORAGE_KEY_PREFIX" default:"invitation"`
}

func (s StorageConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case StorageBackendS3, StorageBackendGCS:
	default:
		return fmt.Errorf("%s must be one of %s, %s", EnvStorageBackend, StorageBackendS3, StorageBackendGCS)
	}
	if s.PublicBaseURL != "" {
		if _, err := url.Parse(s.PublicBaseURL); err != nil {
			return fmt.Errorf("invalid storage public base url: %w", err)
		}
	}
	return nil
}

type S3Config struct {
	Region          string `envconfig:"INVITELY_AWS_REGION" default:"us-east-1"`
	Bucket          string `envconfig:"INVITELY_AWS_BUCKET_NAME"`
	Endpoint        string `envconfig:"INVITELY_AWS_ENDPOINT"`
	AccessKeyID     string `envconfig:"INVITELY_AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"INVITELY_AWS_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `envconfig:"INVITELY_AWS_USE_PATH_STYLE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"INVITELY_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"INVITELY_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"INVITELY_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName string `envconfig:"INVITELY_GCS_BUCKET_NAME"`
}

type PubSubConfig struct {
	MediaStatusTopic string `envconfig:"INVITELY_PUBSUB_MEDIA_STATUS_TOPIC"`
}

// Enabled reports whether status notifications should be published.
func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.MediaStatusTopic) != ""
}

type SweeperConfig struct {
	Interval         time.Duration `envconfig:"INVITELY_SWEEPER_INTERVAL" default:"15m"`
	LockTTL          time.Duration `envconfig:"INVITELY_SWEEPER_LOCK_TTL" default:"14m"`
	BatchSize        int           `envconfig:"INVITELY_SWEEPER_BATCH_SIZE" default:"100"`
	StagingRetention time.Duration `envconfig:"INVITELY_SWEEPER_STAGING_RETENTION" default:"72h"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		db.Driver = DriverSQLite
		if db.DSN == "" {
			db.DSN = DefaultSQLiteDSN
		}
		return nil
	}
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
