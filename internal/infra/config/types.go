package config

import "strings"

// Environment identifies the runtime environment of the gateway.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Environment variables that override file settings.
const (
	EnvConfigPath  = "FIELDGATE_CONFIG"
	EnvDataFolder  = "FIELDGATE_DATA_FOLDER"
	EnvDatabaseDSN = "FIELDGATE_DATABASE_DSN"
)

func normalizeIdentifier(id string) string {
	return strings.TrimSpace(id)
}

func normalizeType(typ string) string {
	return strings.ToLower(strings.TrimSpace(typ))
}
