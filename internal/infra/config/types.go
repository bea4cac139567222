package config

// Environment identifies the runtime environment paybridge operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// minAdminTokenLen is the shortest accepted operator bearer token.
const minAdminTokenLen = 16
