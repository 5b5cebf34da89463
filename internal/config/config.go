package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"userseed/internal/domain"
)

const (
	DriverMongo    = "mongo"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Database struct {
		Driver string
		URI    string
		Name   string
		Path   string
	}
	Bootstrap struct {
		Collection string
		OnConflict string
		Verify     bool
		Timeout    time.Duration
	}
	Seed struct {
		Name         string
		Email        string
		PasswordHash string
		Password     string
	}
	Report struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("USERSEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.driver", DriverMongo)
	v.SetDefault("database.uri", "mongodb://localhost:27017")
	v.SetDefault("database.name", domain.DefaultDatabase)
	v.SetDefault("database.path", "data/"+domain.DefaultDatabase+".db")
	v.SetDefault("bootstrap.collection", domain.DefaultCollection)
	v.SetDefault("bootstrap.onconflict", "skip")
	v.SetDefault("bootstrap.verify", true)
	v.SetDefault("bootstrap.timeout", "30s")
	v.SetDefault("seed.name", domain.AdminName)
	v.SetDefault("seed.email", domain.AdminEmail)
	v.SetDefault("seed.passwordhash", domain.AdminPasswordHash)
	v.SetDefault("seed.password", "")
	v.SetDefault("report.bucket", "")
	v.SetDefault("report.keyprefix", "userseed-reports")
	v.SetDefault("report.region", "us-east-1")
	v.SetDefault("report.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration that can never produce a working run.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverMongo, DriverPostgres:
		if strings.TrimSpace(c.Database.URI) == "" {
			return fmt.Errorf("database uri is required for driver %s", c.Database.Driver)
		}
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database path is required for driver sqlite")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if strings.TrimSpace(c.Database.Name) == "" {
		return fmt.Errorf("database name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Bootstrap.OnConflict)) {
	case "skip", "fail":
	default:
		return fmt.Errorf("bootstrap onconflict must be skip or fail, got %q", c.Bootstrap.OnConflict)
	}
	if c.Bootstrap.Timeout <= 0 {
		return fmt.Errorf("bootstrap timeout must be positive")
	}
	return nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
