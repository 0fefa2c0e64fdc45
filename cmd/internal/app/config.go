package app

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from PARLEY_* environment variables.
type Config struct {
	HTTPAddr string
	// PublicBaseURL is the externally reachable origin, used for upload URLs. Empty derives it from HTTPAddr.
	PublicBaseURL string

	LogLevel  string
	LogFormat string // json | pretty
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	AutoMigrate bool

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration
	// StrictSecurity makes startup fail on weak secrets instead of warning.
	StrictSecurity bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	RateLimitRequests int
	RateLimitWindow   time.Duration

	PresenceGrace time.Duration

	UploadDir         string
	ObjectStoreURL    string
	ObjectStoreBucket string
	ObjectStoreKey    string
	MaxUploadBytes    int64

	NATSURL   string
	NATSToken string

	OTLPEndpoint string
	ServiceName  string
}

// LoadConfig loads .env (when present) and then reads Config with defaults.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	return Config{
		HTTPAddr:      EnvString("HTTP_ADDR", "0.0.0.0:8080"),
		PublicBaseURL: EnvString("PUBLIC_BASE_URL", ""),

		LogLevel:  EnvString("LOG_LEVEL", "info"),
		LogFormat: EnvString("LOG_FORMAT", "json"),
		LogColor:  EnvBool("LOG_COLOR", true),

		ReadHeaderTimeout: EnvDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: EnvString("DATABASE_URL", ""),
		DBSchema:    EnvString("DB_SCHEMA", "parley"),
		DBMaxConns:  EnvInt32("DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DB_MIN_CONNS", 0),
		AutoMigrate: EnvBool("DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: EnvBool("READINESS_REQUIRE_DB", false),

		JWTSecret:      EnvString("JWT_SECRET", ""),
		JWTIssuer:      EnvString("JWT_ISSUER", "parley"),
		TokenTTL:       EnvDuration("TOKEN_TTL", 24*time.Hour),
		StrictSecurity: EnvBool("STRICT_SECURITY", false),

		CORSAllowedOrigins:   EnvCSV("CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("CORS_MAX_AGE_SECONDS", 300),

		RateLimitRequests: EnvInt("RATE_LIMIT_REQUESTS", 300),
		RateLimitWindow:   EnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		PresenceGrace: EnvDuration("PRESENCE_GRACE", 5*time.Second),

		UploadDir:         EnvString("UPLOAD_DIR", "./data/uploads"),
		ObjectStoreURL:    EnvString("OBJECT_STORE_URL", ""),
		ObjectStoreBucket: EnvString("OBJECT_STORE_BUCKET", "attachments"),
		ObjectStoreKey:    EnvString("OBJECT_STORE_KEY", ""),
		MaxUploadBytes:    EnvInt64("MAX_UPLOAD_BYTES", 10<<20),

		NATSURL:   EnvString("NATS_URL", ""),
		NATSToken: EnvString("NATS_TOKEN", ""),

		OTLPEndpoint: EnvString("OTLP_ENDPOINT", ""),
		ServiceName:  EnvString("SERVICE_NAME", "parley"),
	}, nil
}
