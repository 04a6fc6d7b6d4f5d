package config

import (
	"os"
)

// EnvConfigPath names the environment variable holding an explicit config
// file path.
const EnvConfigPath = EnvPrefix + "CONFIG"

var candidatePaths = []string{
	"./config.yaml",
	"./config.yml",
	"/etc/contravention-engine/config.yaml",
	"/app/config.yaml",
}

// DetermineConfigPath picks the config file: the flag value, then
// CONTRAVENTION_CONFIG, then the first existing candidate. It returns ""
// when nothing is found, meaning defaults and environment only.
func DetermineConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	for _, p := range candidatePaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
