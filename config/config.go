package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config is built once at startup and passed by reference into every
// component. Nothing outside this package reads the environment.
type Config struct {
	Token             string
	GuildID           string
	BugCategoryID     string
	SupportCategoryID string
	SupportRoleID     string
	SupportUserIDs    []string
}

var requiredEnv = []string{
	"DISCORD_TOKEN",
	"GUILD_ID",
	"BUG_CATEGORY_ID",
	"SUPPORT_CATEGORY_ID",
}

func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	for _, env := range requiredEnv {
		if os.Getenv(env) == "" {
			return nil, fmt.Errorf("required environment variable not set: %s", env)
		}
	}

	return &Config{
		Token:             os.Getenv("DISCORD_TOKEN"),
		GuildID:           os.Getenv("GUILD_ID"),
		BugCategoryID:     os.Getenv("BUG_CATEGORY_ID"),
		SupportCategoryID: os.Getenv("SUPPORT_CATEGORY_ID"),
		SupportRoleID:     os.Getenv("SUPPORT_ROLE_ID"),
		SupportUserIDs:    parseCSV(os.Getenv("SUPPORT_USER_IDS")),
	}, nil
}

func parseCSV(csv string) []string {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
