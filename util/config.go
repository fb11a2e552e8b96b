package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "toxodon"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                string
		HttpPort            int    `yaml:"httpPort"`
		Domain              string `yaml:"domain"`
		WithFederation      bool   `yaml:"withFederation"`
		DeliveryMaxAttempts int    `yaml:"deliveryMaxAttempts"`
		DeliveryPollSec     int    `yaml:"deliveryPollSec"`
		FanoutPollSec       int    `yaml:"fanoutPollSec"`
		PullTokenTTLSec     int    `yaml:"pullTokenTTLSec"`
		PullAudienceCap     int    `yaml:"pullAudienceCap"`
		JobTTLHours         int    `yaml:"jobTTLHours"`
		NonceTTLSec         int    `yaml:"nonceTTLSec"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if v := os.Getenv("TOXODON_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("TOXODON_HTTPPORT"); v != "" {
		overrideInt(&c.Conf.HttpPort, v)
	}
	if v := os.Getenv("TOXODON_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if os.Getenv("TOXODON_WITH_FEDERATION") == "true" {
		c.Conf.WithFederation = true
	}
	if v := os.Getenv("TOXODON_DELIVERY_MAX_ATTEMPTS"); v != "" {
		overrideInt(&c.Conf.DeliveryMaxAttempts, v)
	}
	if v := os.Getenv("TOXODON_DELIVERY_POLL_SEC"); v != "" {
		overrideInt(&c.Conf.DeliveryPollSec, v)
	}
	if v := os.Getenv("TOXODON_FANOUT_POLL_SEC"); v != "" {
		overrideInt(&c.Conf.FanoutPollSec, v)
	}
	if v := os.Getenv("TOXODON_PULL_TOKEN_TTL_SEC"); v != "" {
		overrideInt(&c.Conf.PullTokenTTLSec, v)
	}
	if v := os.Getenv("TOXODON_PULL_AUDIENCE_CAP"); v != "" {
		overrideInt(&c.Conf.PullAudienceCap, v)
	}

	applyDefaults(c)

	return c, nil
}

func overrideInt(target *int, value string) {
	v, err := strconv.Atoi(value)
	if err != nil {
		log.Warn("Ignoring non-numeric env override", "value", value, "err", err)
		return
	}
	*target = v
}

// applyDefaults fills zero values so a minimal config file
// (host/port/domain only) still yields a working server.
func applyDefaults(c *AppConfig) {
	if c.Conf.DeliveryMaxAttempts == 0 {
		c.Conf.DeliveryMaxAttempts = 5
	}
	if c.Conf.DeliveryPollSec == 0 {
		c.Conf.DeliveryPollSec = 10
	}
	if c.Conf.FanoutPollSec == 0 {
		c.Conf.FanoutPollSec = 5
	}
	if c.Conf.PullTokenTTLSec == 0 || c.Conf.PullTokenTTLSec > 60 {
		// Pull tokens never live longer than 60s; configurable down only.
		c.Conf.PullTokenTTLSec = 60
	}
	if c.Conf.PullAudienceCap == 0 {
		c.Conf.PullAudienceCap = 500
	}
	if c.Conf.JobTTLHours == 0 {
		c.Conf.JobTTLHours = 72
	}
	if c.Conf.NonceTTLSec == 0 {
		c.Conf.NonceTTLSec = 300
	}
}
