package config

import "strings"

// Environment identifies the runtime environment where pricewatch operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageBackend selects the key/value backend behind the state store.
type StorageBackend string

const (
	// StorageFile keeps state as a JSON file in a directory.
	StorageFile StorageBackend = "file"
	// StorageSQLite keeps state in an embedded SQLite database.
	StorageSQLite StorageBackend = "sqlite"
	// StoragePostgres keeps state in PostgreSQL.
	StoragePostgres StorageBackend = "postgres"
	// StorageRedis keeps state in Redis.
	StorageRedis StorageBackend = "redis"
	// StorageMemory keeps state in process memory only.
	StorageMemory StorageBackend = "memory"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeEnvironment(env Environment) Environment {
	switch normalizeIdentifier(string(env)) {
	case "", "dev", "development", "local":
		return EnvDev
	case "staging", "stage":
		return EnvStaging
	case "prod", "production":
		return EnvProd
	default:
		return Environment(normalizeIdentifier(string(env)))
	}
}
