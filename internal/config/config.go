// Package config loads and validates the orchestrator's configuration from
// the environment, in the style of the service_layer pack's
// infrastructure/config helpers: small GetEnv/GetEnvInt/GetEnvBool readers
// layered over a validated struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
)

// Config is the orchestrator's validated, immutable configuration record.
type Config struct {
	AppPort int

	DockerNetwork string
	TargetImage   string

	MinReplicas int
	MaxReplicas int

	ContainerLabelKey   string
	ContainerLabelValue string

	StartupTimeoutS int
	IdleTTLS        int

	CollectIntervalS int
	StatsHistoryMax  int

	PortRangeHost string
	AceHTTPRange  string
	AceHTTPSRange string
	AceMapHTTPS   bool

	APIKey string
	DBURL  string

	AutoDelete bool
}

// Load reads a .env file (if present), then the process environment, and
// returns a validated Config or an apperr.ConfigInvalid error describing
// every problem found.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file loaded: ", err)
	}

	c := &Config{
		AppPort:          getEnvInt("APP_PORT", 8000),
		DockerNetwork:    getEnv("DOCKER_NETWORK", ""),
		TargetImage:      getEnv("TARGET_IMAGE", "acestream/engine:latest"),
		MinReplicas:      getEnvInt("MIN_REPLICAS", 0),
		MaxReplicas:      getEnvInt("MAX_REPLICAS", 20),
		StartupTimeoutS:  getEnvInt("STARTUP_TIMEOUT_S", 25),
		IdleTTLS:         getEnvInt("IDLE_TTL_S", 600),
		CollectIntervalS: getEnvInt("COLLECT_INTERVAL_S", 5),
		StatsHistoryMax:  getEnvInt("STATS_HISTORY_MAX", 720),
		PortRangeHost:    getEnv("PORT_RANGE_HOST", "19000-19999"),
		AceHTTPRange:     getEnv("ACE_HTTP_RANGE", "40000-44999"),
		AceHTTPSRange:    getEnv("ACE_HTTPS_RANGE", "45000-49999"),
		AceMapHTTPS:      getEnvBool("ACE_MAP_HTTPS", false),
		APIKey:           getEnv("API_KEY", ""),
		DBURL:            getEnv("DB_URL", "sqlite:///./orchestrator.db"),
		AutoDelete:       getEnvBool("AUTO_DELETE", false),
	}

	label := getEnv("CONTAINER_LABEL", "ondemand.app=myservice")
	k, v, ok := strings.Cut(label, "=")
	c.ContainerLabelKey, c.ContainerLabelValue = k, v

	var errs []error
	if !ok {
		errs = append(errs, fmt.Errorf("CONTAINER_LABEL must contain \"=\" (key=value format): %q", label))
	}
	if c.MinReplicas < 0 {
		errs = append(errs, fmt.Errorf("MIN_REPLICAS must be >= 0"))
	}
	if c.MaxReplicas <= 0 {
		errs = append(errs, fmt.Errorf("MAX_REPLICAS must be > 0"))
	}
	if c.MaxReplicas < c.MinReplicas {
		errs = append(errs, fmt.Errorf("MAX_REPLICAS must be >= MIN_REPLICAS"))
	}
	for _, pr := range []struct {
		name string
		val  string
	}{
		{"PORT_RANGE_HOST", c.PortRangeHost},
		{"ACE_HTTP_RANGE", c.AceHTTPRange},
		{"ACE_HTTPS_RANGE", c.AceHTTPSRange},
	} {
		if err := validatePortRange(pr.val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pr.name, err))
		}
	}
	for _, t := range []struct {
		name string
		val  int
	}{
		{"STARTUP_TIMEOUT_S", c.StartupTimeoutS},
		{"IDLE_TTL_S", c.IdleTTLS},
		{"COLLECT_INTERVAL_S", c.CollectIntervalS},
	} {
		if t.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", t.name))
		}
	}
	if c.StatsHistoryMax <= 0 {
		errs = append(errs, fmt.Errorf("STATS_HISTORY_MAX must be > 0"))
	}

	if len(errs) > 0 {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "invalid configuration", errors.Join(errs...))
	}
	return c, nil
}

// ContainerLabel renders the ownership label as "key=value".
func (c *Config) ContainerLabel() string {
	return c.ContainerLabelKey + "=" + c.ContainerLabelValue
}

// ParsePortRange parses a "lo-hi" string already validated by Load.
func ParsePortRange(s string) (lo, hi int) {
	parts := strings.SplitN(s, "-", 2)
	lo, _ = strconv.Atoi(parts[0])
	hi, _ = strconv.Atoi(parts[1])
	return lo, hi
}

func validatePortRange(s string) error {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid port range format: %q, expected \"start-end\"", s)
	}
	lo, errLo := strconv.Atoi(parts[0])
	hi, errHi := strconv.Atoi(parts[1])
	if errLo != nil || errHi != nil {
		return fmt.Errorf("invalid port range format: %q, expected \"start-end\"", s)
	}
	if lo < 1 || lo > 65535 || hi < 1 || hi > 65535 {
		return fmt.Errorf("ports must be between 1-65535: %q", s)
	}
	if lo > hi {
		return fmt.Errorf("start port must be <= end port: %q", s)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return strings.EqualFold(v, "true")
}
