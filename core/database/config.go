package database

import (
	"fmt"
	"net/url"
	"strings"
)

// Supported driver names. DriverPostgres uses lib/pq, DriverPGX the pgx stdlib
// adapter, DriverSQLite the pure-Go modernc driver.
const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
	DriverSQLite   = "sqlite"
)

// Config holds database connection settings.
type Config struct {
	Driver         string `yaml:"driver" envconfig:"DB_DRIVER"`
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	Path           string `yaml:"path" envconfig:"DB_PATH"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
}

// Normalize fills defaults and validates the driver choice.
func (c *Config) Normalize() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = DriverPostgres
	case "postgresql":
		c.Driver = DriverPostgres
	case "sqlite3":
		c.Driver = DriverSQLite
	}
	switch c.Driver {
	case DriverPostgres, DriverPGX:
		if c.SSLMode == "" {
			c.SSLMode = "disable"
		}
		if c.Port == "" {
			c.Port = "5432"
		}
	case DriverSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
		// single writer; sqlite serializes anyway and extra conns only add busy errors
		c.MaxConnections = 1
	default:
		return fmt.Errorf("invalid database.driver %q; allowed: postgres, pgx, sqlite", c.Driver)
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	return nil
}

// DSN renders the driver specific data source name.
func (c Config) DSN() string {
	if c.Driver == DriverSQLite {
		return "file:" + c.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func (c Config) logTarget() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	return c.Name
}
