package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the scheduler process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Spool     SpoolConfig
}

type AppConfig struct {
	Env string

	// AdminPort serves the health/status endpoints.
	AdminPort int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	// JWTSecret verifies service tokens on the admin API. Tokens are
	// minted by the platform's ops tooling, never by this process.
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

type SchedulerConfig struct {
	// PollInterval is the fixed tick cadence.
	PollInterval time.Duration

	// RedialTimeout is how long a dispatched callback may sit unanswered
	// before it is resubmitted.
	RedialTimeout time.Duration

	// RedialEnabled turns the redial pass off entirely.
	RedialEnabled bool

	// LeaseKey names the Redis tick lease shared by scheduler instances.
	LeaseKey string
}

type SpoolConfig struct {
	// StageDir must be on the same filesystem as OutgoingDir.
	StageDir    string
	OutgoingDir string

	// Dialplan entry points for the callback IVR.
	ChannelContext string
	IVRContext     string

	// UID/GID the PBX expects on call files; 0 leaves ownership alone.
	UID int
	GID int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("ADMIN_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.AdminPort = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.Scheduler.PollInterval = optionalDuration("POLL_INTERVAL", 5*time.Second)
	c.Scheduler.RedialTimeout = optionalDuration("REDIAL_TIMEOUT", 5*time.Minute)
	c.Scheduler.RedialEnabled = optionalBool("REDIAL_ENABLED", true)
	c.Scheduler.LeaseKey = optionalString("TICK_LEASE_KEY", "callback-scheduler:tick")

	c.Spool.StageDir = strings.TrimSpace(os.Getenv("SPOOL_STAGE_DIR"))
	c.Spool.OutgoingDir = strings.TrimSpace(os.Getenv("SPOOL_OUTGOING_DIR"))
	c.Spool.ChannelContext = optionalString("PBX_CHANNEL_CONTEXT", "from-autodial-marks")
	c.Spool.IVRContext = optionalString("PBX_IVR_CONTEXT", "ivr-marks")
	c.Spool.UID = optionalInt("CALLFILE_UID", 0)
	c.Spool.GID = optionalInt("CALLFILE_GID", 0)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.AdminPort <= 0 || c.App.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("ADMIN_PORT must be a valid port, got %d", c.App.AdminPort))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		}
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
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

	if c.Scheduler.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least 1s, got %v", c.Scheduler.PollInterval))
	}
	if c.Scheduler.RedialTimeout < time.Minute {
		errs = append(errs, fmt.Errorf("REDIAL_TIMEOUT must be at least 1m, got %v", c.Scheduler.RedialTimeout))
	}

	if c.Spool.StageDir == "" {
		errs = append(errs, errors.New("SPOOL_STAGE_DIR is required"))
	}
	if c.Spool.OutgoingDir == "" {
		errs = append(errs, errors.New("SPOOL_OUTGOING_DIR is required"))
	}
	if c.Spool.StageDir != "" && c.Spool.StageDir == c.Spool.OutgoingDir {
		errs = append(errs, errors.New("SPOOL_STAGE_DIR must differ from SPOOL_OUTGOING_DIR"))
	}
	if c.Spool.UID < 0 || c.Spool.GID < 0 {
		errs = append(errs, errors.New("CALLFILE_UID and CALLFILE_GID must be non-negative"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) AdminAddr() string {
	return fmt.Sprintf(":%d", c.App.AdminPort)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	sslMode := c.DB.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		sslMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
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

func optionalInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optionalString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func optionalBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func optionalDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
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
