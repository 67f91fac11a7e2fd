package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from the environment, optionally seeded from a .env file.
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	Store StoreConfig
	DB    DBConfig
	Redis RedisConfig
	Mongo MongoConfig
	Auth  AuthConfig
	Call  CallConfig
	Media MediaConfig
}

type AppConfig struct {
	Env         string
	Port        int
	CORSOrigins []string
}

// StoreConfig selects the shared document store used for presence,
// call requests and signaling.
type StoreConfig struct {
	// Backend accepts: redis, mongo, memory
	Backend string
}

// DBConfig is the Postgres call log. It is optional; without DB_HOST the
// call log is kept in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type MongoConfig struct {
	URI      string
	Database string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type CallConfig struct {
	// RingTimeout is how long an initiator waits for an answer.
	RingTimeout time.Duration
	// AnswerTimeout is how long an incoming call rings before it is
	// declined automatically.
	AnswerTimeout time.Duration
	// NegotiateTimeout bounds offer/answer and connectivity checks.
	NegotiateTimeout time.Duration

	PresenceHeartbeat  time.Duration
	PresenceStaleAfter time.Duration
	RequestTTL         time.Duration
	SweepInterval      time.Duration

	// MatchAttempts bounds find-and-call retries when a partner is taken.
	MatchAttempts int
}

type MediaConfig struct {
	ICEServers []string

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

var defaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.CORSOrigins = csv("CORS_ALLOWED_ORIGINS")

	c.Store.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("DOCSTORE_BACKEND")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Mongo.URI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	c.Mongo.Database = strings.TrimSpace(os.Getenv("MONGO_DATABASE"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Call.RingTimeout = mustDuration("CALL_RING_TIMEOUT")
	c.Call.AnswerTimeout = mustDuration("CALL_ANSWER_TIMEOUT")
	c.Call.NegotiateTimeout = mustDuration("CALL_NEGOTIATE_TIMEOUT")
	c.Call.PresenceHeartbeat = mustDuration("PRESENCE_HEARTBEAT")
	c.Call.PresenceStaleAfter = mustDuration("PRESENCE_STALE_AFTER")
	c.Call.RequestTTL = mustDuration("CALL_REQUEST_TTL")
	c.Call.SweepInterval = mustDuration("SWEEP_INTERVAL")
	{
		n, err := optionalInt("MATCH_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Call.MatchAttempts = n
	}

	c.Media.ICEServers = csv("ICE_SERVERS")
	c.Media.ICEDisconnectedTimeout = mustDuration("ICE_DISCONNECTED_TIMEOUT")
	c.Media.ICEFailedTimeout = mustDuration("ICE_FAILED_TIMEOUT")
	c.Media.ICEKeepaliveInterval = mustDuration("ICE_KEEPALIVE_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "redis"
	}
	switch c.Store.Backend {
	case "redis":
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis store"))
		} else if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
		}
		if c.Mongo.Database == "" {
			c.Mongo.Database = "peercall"
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("DOCSTORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("DOCSTORE_BACKEND must be one of redis, mongo, memory, got %q", c.Store.Backend))
	}

	if c.DB.Host != "" {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Call.RingTimeout <= 0 {
		c.Call.RingTimeout = 30 * time.Second
	}
	if c.Call.AnswerTimeout <= 0 {
		c.Call.AnswerTimeout = 35 * time.Second
	}
	if c.Call.AnswerTimeout < c.Call.RingTimeout {
		errs = append(errs, errors.New("CALL_ANSWER_TIMEOUT must not be shorter than CALL_RING_TIMEOUT"))
	}
	if c.Call.NegotiateTimeout <= 0 {
		c.Call.NegotiateTimeout = 30 * time.Second
	}
	if c.Call.PresenceHeartbeat <= 0 {
		c.Call.PresenceHeartbeat = 15 * time.Second
	}
	if c.Call.PresenceStaleAfter <= 0 {
		c.Call.PresenceStaleAfter = 4 * c.Call.PresenceHeartbeat
	}
	if c.Call.PresenceStaleAfter <= c.Call.PresenceHeartbeat {
		errs = append(errs, errors.New("PRESENCE_STALE_AFTER must be greater than PRESENCE_HEARTBEAT"))
	}
	if c.Call.RequestTTL <= 0 {
		c.Call.RequestTTL = 5 * time.Minute
	}
	if c.Call.SweepInterval <= 0 {
		c.Call.SweepInterval = time.Minute
	}
	if c.Call.MatchAttempts <= 0 {
		c.Call.MatchAttempts = 3
	}

	if len(c.Media.ICEServers) == 0 {
		c.Media.ICEServers = append([]string(nil), defaultICEServers...)
	}
	for _, u := range c.Media.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			errs = append(errs, fmt.Errorf("ICE_SERVERS entries must be stun:/turn: urls, got %q", u))
		}
	}
	if c.Media.ICEDisconnectedTimeout <= 0 {
		c.Media.ICEDisconnectedTimeout = 30 * time.Second
	}
	if c.Media.ICEFailedTimeout <= 0 {
		c.Media.ICEFailedTimeout = 120 * time.Second
	}
	if c.Media.ICEKeepaliveInterval <= 0 {
		c.Media.ICEKeepaliveInterval = 2 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// CallLogEnabled reports whether the Postgres call log is configured.
func (c Config) CallLogEnabled() bool {
	return c.DB.Host != ""
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// loadEnvFile seeds the environment from ENV_FILE (default .env).
// Variables already set in the environment win.
func loadEnvFile() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func csv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
