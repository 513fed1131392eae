package tools

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read from the environment once at startup.
type Config struct {
	I2CBus         string        // I2C_BUS
	Address        int           // TCS3430_ADDR, accepts 0x prefixed hex
	Port           string        // APP_PORT
	SSL            bool          // SSL
	CertPath       string        // SSL_CERT
	KeyPath        string        // SSL_KEY
	CertHosts      []string      // SSL_HOSTS, comma separated names and IPs
	DBPath         string        // DB_PATH
	LogPath        string        // LOG_PATH
	LogLevel       string        // LOG_LEVEL
	RecordInterval time.Duration // RECORD_INTERVAL, e.g. "30s"
	Timezone       *time.Location
}

func LoadConfig() (Config, error) {
	return loadConfig(os.Getenv)
}

func loadConfig(getenv func(string) string) (Config, error) {
	cfg := Config{
		I2CBus:         "/dev/i2c-1",
		Address:        0x39,
		SSL:            getenv("SSL") == "true",
		CertPath:       "cert.pem",
		KeyPath:        "key.pem",
		DBPath:         "colormeter.db",
		LogPath:        "cm.log",
		LogLevel:       getenv("LOG_LEVEL"),
		RecordInterval: 30 * time.Second,
		Timezone:       time.Local,
	}
	if cfg.SSL {
		cfg.Port = "443"
	} else {
		cfg.Port = "80"
	}

	if v := getenv("I2C_BUS"); v != "" {
		cfg.I2CBus = v
	}
	if v := getenv("TCS3430_ADDR"); v != "" {
		addr, err := strconv.ParseInt(v, 0, 16)
		if err != nil || addr <= 0 || addr > 0x7F {
			return Config{}, fmt.Errorf("invalid TCS3430_ADDR %q", v)
		}
		cfg.Address = int(addr)
	}
	if v := getenv("APP_PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid APP_PORT %q: %w", v, err)
		}
		cfg.Port = v
	}
	if v := getenv("SSL_CERT"); v != "" {
		cfg.CertPath = v
	}
	if v := getenv("SSL_KEY"); v != "" {
		cfg.KeyPath = v
	}
	cfg.CertHosts = defaultCertHosts()
	if v := getenv("SSL_HOSTS"); v != "" {
		cfg.CertHosts = nil
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.CertHosts = append(cfg.CertHosts, h)
			}
		}
		if len(cfg.CertHosts) == 0 {
			return Config{}, fmt.Errorf("invalid SSL_HOSTS %q", v)
		}
	}
	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v, ok := lookup(getenv, "LOG_PATH"); ok {
		cfg.LogPath = v
	}
	if v := getenv("RECORD_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid RECORD_INTERVAL %q", v)
		}
		cfg.RecordInterval = d
	}
	if v := getenv("TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TIMEZONE %q: %w", v, err)
		}
		cfg.Timezone = loc
	}
	return cfg, nil
}

// defaultCertHosts covers loopback plus the machine's own hostname.
func defaultCertHosts() []string {
	hosts := []string{"localhost", "127.0.0.1"}
	if name, err := os.Hostname(); err == nil && name != "" && name != "localhost" {
		hosts = append(hosts, name)
	}
	return hosts
}

// lookup treats "none" as an explicit empty value.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	if v == "" {
		return "", false
	}
	if strings.EqualFold(v, "none") {
		return "", true
	}
	return v, true
}
