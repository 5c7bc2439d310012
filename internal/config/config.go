package config

import (
	"os"
	"strconv"
	"strings"

	"forge/internal/models"
)

// Load returns the server configuration from environment variables
func Load() models.Config {
	return models.Config{
		Port:            getEnv("PORT", "9080"),
		DBPath:          getEnv("DB_PATH", "forge.db"),
		AdminUser:       getEnv("ADMIN_USER", "admin"),
		AdminPass:       getEnv("ADMIN_PASS", ""),
		AuthEnabled:     getEnv("AUTH_ENABLED", "true") == "true",
		BuilderCommand:  getEnv("BUILDER_CMD", "plugin-builder"),
		BuilderArgs:     splitArgs(getEnv("BUILDER_ARGS", "")),
		VolumesDir:      getEnv("VOLUMES_DIR", "volumes"),
		ArtifactsDir:    getEnv("ARTIFACTS_DIR", "artifacts"),
		ArtifactBaseURL: getEnv("ARTIFACT_BASE_URL", "/artifacts"),
		MaxConcurrent:   getEnvInt("MAX_CONCURRENT_BUILDS", 5),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
