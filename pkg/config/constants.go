package config

const (
	EnvPrefix = "INVITELY"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres   = "postgres"
	DriverSQLite     = "sqlite"
	DefaultSQLiteDSN = "file:invitely.db?cache=shared&_busy_timeout=5000"

	StorageBackendS3  = "s3"
	StorageBackendGCS = "gcs"
)

const (
	EnvAppEnv         = "INVITELY_APP_ENV"
	EnvPort           = "INVITELY_APP_PORT"
	EnvDBDSN          = "INVITELY_DB_DSN"
	EnvDBHost         = "INVITELY_DB_HOST"
	EnvDBUser         = "INVITELY_DB_USER"
	EnvDBName         = "INVITELY_DB_NAME"
	EnvRedisURL       = "INVITELY_REDIS_URL"
	EnvJWTSecret      = "INVITELY_JWT_SECRET"
	EnvJWTIssuer      = "INVITELY_JWT_ISSUER"
	EnvUseSQLite      = "INVITELY_USE_SQLITE"
	EnvStorageBackend = "INVITELY_STORAGE_BACKEND"
	EnvStagingDir     = "INVITELY_PROCESSING_DIR"
	EnvConcurrency    = "INVITELY_QUEUE_CONCURRENCY"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
