package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type config struct {
	Title string

	// Upstream DNS servers as host:port
	Servers []string

	// Path to the static DNS records file, optional
	StaticRecords string `toml:"static-records"`

	// Total upstream query budget in milliseconds
	TimeoutMS int `toml:"timeout-ms"`

	// Cache tuning, zero values take the library defaults
	NegativeTTLSeconds int `toml:"negative-ttl-seconds"`
	StaleGraceSeconds  int `toml:"stale-grace-seconds"`
}

func (c config) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// loadConfig reads a config file and returns the decoded structure.
func loadConfig(name string) (config, error) {
	var c config
	f, err := os.Open(name)
	if err != nil {
		return c, err
	}
	defer f.Close()
	_, err = toml.NewDecoder(f).Decode(&c)
	return c, err
}
