package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"momovault/internal/domain"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Phone     PhoneConfig     `mapstructure:"phone"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type ServerConfig struct {
	Port        string        `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	// WriteTimeout is raised to outlast the slowest withdrawal; 0 derives it
	// from gateway.timeout.
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type DBConfig struct {
	// Driver is "postgres" or "memory".
	Driver             string        `mapstructure:"driver"`
	DatabaseURL        string        `mapstructure:"databaseURL"`
	MaxOpenConnection  int           `mapstructure:"maxOpenConnection"`
	MaxIdleConnection  int           `mapstructure:"maxIdleConnection"`
	ConnectionLifetime time.Duration `mapstructure:"connectionLifetime"`
	Migrate            bool          `mapstructure:"migrate"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	Issuer    string `mapstructure:"issuer"`
}

type GatewayConfig struct {
	BaseURL           string        `mapstructure:"baseURL"`
	APIUser           string        `mapstructure:"apiUser"`
	APIKey            string        `mapstructure:"apiKey"`
	SubscriptionKey   string        `mapstructure:"subscriptionKey"`
	TargetEnvironment string        `mapstructure:"targetEnvironment"`
	Currency          string        `mapstructure:"currency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PayerMessage      string        `mapstructure:"payerMessage"`
	PayeeNote         string        `mapstructure:"payeeNote"`
}

type FeesConfig struct {
	PenaltyRate string `mapstructure:"penaltyRate"`
	FlatFee     string `mapstructure:"flatFee"`
}

// Policy parses the configured fee settings.
func (c FeesConfig) Policy() (domain.FeePolicy, error) {
	rate, err := decimal.NewFromString(c.PenaltyRate)
	if err != nil || rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return domain.FeePolicy{}, fmt.Errorf("fees.penaltyRate %q must be a decimal in [0, 1)", c.PenaltyRate)
	}
	flat, err := decimal.NewFromString(c.FlatFee)
	if err != nil || flat.IsNegative() || !flat.Equal(flat.Round(domain.MinorUnitScale)) {
		return domain.FeePolicy{}, fmt.Errorf("fees.flatFee %q must be a non-negative amount in whole minor units", c.FlatFee)
	}
	return domain.FeePolicy{PenaltyRate: rate, FlatFee: flat}, nil
}

type PhoneConfig struct {
	CountryCode      string `mapstructure:"countryCode"`
	SubscriberDigits int    `mapstructure:"subscriberDigits"`
}

func (c PhoneConfig) Format() domain.PhoneFormat {
	return domain.PhoneFormat{CountryCode: c.CountryCode, SubscriberDigits: c.SubscriberDigits}
}

type ReconcileConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	GracePeriod time.Duration `mapstructure:"gracePeriod"`
}

type LoggerConfig struct {
	LoggerLevel string `mapstructure:"loggerLevel"`
	Format      string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.shutdownTimeout", 20*time.Second)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.databaseURL", "")
	v.SetDefault("db.maxOpenConnection", 15)
	v.SetDefault("db.maxIdleConnection", 10)
	v.SetDefault("db.connectionLifetime", time.Hour)
	v.SetDefault("db.migrate", true)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("gateway.baseURL", "https://sandbox.momodeveloper.mtn.com/disbursement")
	v.SetDefault("gateway.apiUser", "")
	v.SetDefault("gateway.apiKey", "")
	v.SetDefault("gateway.subscriptionKey", "")
	v.SetDefault("gateway.targetEnvironment", "sandbox")
	v.SetDefault("gateway.currency", "EUR")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.payerMessage", "Withdrawal from MoMoVault")
	v.SetDefault("gateway.payeeNote", "Individual deposit withdrawals")

	v.SetDefault("fees.penaltyRate", "0.10")
	v.SetDefault("fees.flatFee", "5")

	v.SetDefault("phone.countryCode", "268")
	v.SetDefault("phone.subscriberDigits", 8)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.gracePeriod", 2*time.Minute)

	v.SetDefault("logger.loggerLevel", "info")
	v.SetDefault("logger.format", "json")
}

// requestMargin covers the database work of one withdrawal around its gateway
// calls.
const requestMargin = 30 * time.Second

// MaxRequestDuration bounds how long a live withdrawal request can hold its
// deposit claims: token acquisition and disbursement, each capped by
// gateway.timeout, plus the database writes around them.
func (c *Config) MaxRequestDuration() time.Duration {
	return 2*c.Gateway.Timeout + requestMargin
}

// ServerWriteTimeout is server.writeTimeout, raised when needed so that the
// response of the slowest withdrawal is not cut off.
func (c *Config) ServerWriteTimeout() time.Duration {
	return max(c.Server.WriteTimeout, c.MaxRequestDuration()+requestMargin)
}

// Load reads config.yaml from the working directory or ./internal/config and
// lets environment variables override any key, e.g. GATEWAY_APIKEY for
// gateway.apiKey. A missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DatabaseURL == "" {
			errs = append(errs, errors.New("db.databaseURL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("db.driver %q is not supported", c.DB.Driver))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.baseURL is required"))
	}
	if c.Gateway.Currency == "" {
		errs = append(errs, errors.New("gateway.currency is required"))
	}
	if _, err := c.Fees.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if c.Reconcile.Enabled {
		if c.Reconcile.Interval <= 0 {
			errs = append(errs, errors.New("reconcile.interval must be positive"))
		}
		if c.Reconcile.GracePeriod <= c.MaxRequestDuration() {
			errs = append(errs, fmt.Errorf("reconcile.gracePeriod %s must exceed %s (twice gateway.timeout plus %s)",
				c.Reconcile.GracePeriod, c.MaxRequestDuration(), requestMargin))
		}
	}

	return errors.Join(errs...)
}
