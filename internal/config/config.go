// Package config loads service configuration from a YAML file and the
// FEDVAULT_* environment, environment winning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of recognized options.
type Config struct {
	// HTTP
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`

	// Identity
	PasswordPepper string `mapstructure:"password_pepper"`
	JWTSecret      string `mapstructure:"jwt_secret"`
	RefreshSecret  string `mapstructure:"refresh_secret"`

	// Document store
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	// Cache
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	// Object storage for datasets
	StorageEndpoint  string `mapstructure:"storage_endpoint"`
	StorageAccessKey string `mapstructure:"storage_access_key"`
	StorageSecretKey string `mapstructure:"storage_secret_key"`
	StorageBucket    string `mapstructure:"storage_bucket"`
	StorageSecure    bool   `mapstructure:"storage_secure"`

	// Provisioning
	Owner        string `mapstructure:"owner"`
	BaseDomain   string `mapstructure:"base_domain"`
	DNSIP        string `mapstructure:"dns_ip"`
	DeployAgent  string `mapstructure:"deploy_agent"`
	SCNImage     string `mapstructure:"scn_image"`
	AuditService string `mapstructure:"audit_service_ip"`
	Version      string `mapstructure:"version"`

	// Mail
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPFrom     string `mapstructure:"smtp_from"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
}

// Load reads the configuration. path names a YAML file and may be empty, in
// which case only defaults and environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEDVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("rate_limit_rps", 50.0)
	v.SetDefault("rate_limit_burst", 100)
	v.SetDefault("mongo_database", "fedvault")
	v.SetDefault("storage_bucket", "datasets")
	v.SetDefault("storage_secure", true)
	v.SetDefault("smtp_port", 587)
	v.SetDefault("base_domain", "fedvault.example")
	v.SetDefault("owner", "fedvault")

	// Every key must be declared so AutomaticEnv can see it even without a
	// config file.
	for _, key := range []string{
		"password_pepper", "jwt_secret", "refresh_secret",
		"mongo_uri", "redis_addr", "redis_password",
		"storage_endpoint", "storage_access_key", "storage_secret_key",
		"dns_ip", "deploy_agent", "scn_image",
		"audit_service_ip", "version",
		"smtp_host", "smtp_from", "smtp_username", "smtp_password",
	} {
		v.SetDefault(key, "")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: jwt_secret is required")
	}
	if c.RefreshSecret == "" {
		return fmt.Errorf("config: refresh_secret is required")
	}
	if c.JWTSecret == c.RefreshSecret {
		return fmt.Errorf("config: jwt_secret and refresh_secret must differ")
	}
	return nil
}
