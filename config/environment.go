package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

const (
	// EnvironmentDevelopment exposes the canonical development environment
	// identifier for callers outside the config package.
	EnvironmentDevelopment = environmentDevelopment
	// EnvironmentProduction exposes the canonical production environment
	// identifier.
	EnvironmentProduction = environmentProduction
	// EnvironmentStaging exposes the canonical staging environment
	// identifier.
	EnvironmentStaging = environmentStaging
)

var environmentAliases = map[string]string{
	"prod": environmentProduction,
	"stag": environmentStaging,
}

// defaultConfigPath is used when no -config flag is given.
const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// GetAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func GetAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveConfigPath selects an environment specific configuration file when
// one exists for the current environment and the caller did not override the
// default path.
func resolveConfigPath(path string) string {
	if path == "" {
		path = defaultConfigPath
	}
	if path != defaultConfigPath {
		return path
	}
	env := GetAppEnvironment()
	if envPath, ok := envConfigPaths[env]; ok {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	return path
}
