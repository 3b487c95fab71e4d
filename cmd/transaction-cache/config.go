package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin string `yaml:"origin"`
	Host   string `yaml:"host"`
	DB     string `yaml:"db"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// merge fills unset fields from another config; flags win over the file.
func (c Config) merge(other Config) Config {
	if c.Origin == "" {
		c.Origin = other.Origin
	}
	if c.Host == "" {
		c.Host = other.Host
	}
	if other.DB != "" && c.DB == "cache.db" {
		c.DB = other.DB
	}
	return c
}
