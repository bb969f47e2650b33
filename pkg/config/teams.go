package config

import "time"

// TeamsConfig holds runtime configuration for the teams service.
type TeamsConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	ExternalBaseURL    string
	PermissionsURL     string
	PermissionsToken   string
	PermissionsTimeout time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadTeamsConfig constructs a TeamsConfig from environment variables.
func LoadTeamsConfig() TeamsConfig {
	return TeamsConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("TEAMS_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://teams:teams@db:5432/teams?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		ExternalBaseURL:    GetString("EXTERNAL_BASE_URL", ""),
		PermissionsURL:     GetString("PERMISSIONS_URL", "http://permissions:4001"),
		PermissionsToken:   GetString("PERMISSIONS_TOKEN", ""),
		PermissionsTimeout: GetDuration("PERMISSIONS_TIMEOUT", 10*time.Second),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
