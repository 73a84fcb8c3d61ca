package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ===========================
// Configuration
// ===========================

const (
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"

	// Environment Variables
	EnvDiscordToken     = "DISCORD_TOKEN"
	EnvSilent           = "SILENT"
	EnvGuildID          = "GUILD_ID"
	EnvOwnerIDs         = "OWNER_IDS"
	EnvRadioStations    = "RADIO_STATIONS"
	EnvMusicIdleTimeout = "MUSIC_IDLE_TIMEOUT"
	EnvMusicResumeWin   = "MUSIC_RESUME_WINDOW"
	EnvXPGainAmount     = "XP_GAIN_AMOUNT"
	EnvXPGainCooldown   = "XP_GAIN_COOLDOWN"
	EnvXPDecayPercent   = "XP_DECAY_PERCENT"
	EnvXPDecayGrace     = "XP_DECAY_GRACE"
	EnvWorkerRetryDelay = "WORKER_RETRY_DELAY"
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	OwnerIDs     []string
	Silent       bool

	// Music
	RadioStations    map[string]string
	MusicIdleTimeout time.Duration
	MusicResumeWin   time.Duration

	// XP
	XPGainAmount   int64
	XPGainCooldown time.Duration
	XPDecayPercent float64
	XPDecayGrace   time.Duration

	// Scheduler
	WorkerRetryDelay time.Duration
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv(EnvDiscordToken)
	dbPath := filepath.Join(".", GetProjectName()+".db")

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	ownerIDsStr := os.Getenv(EnvOwnerIDs)
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:        token,
		GuildID:      os.Getenv(EnvGuildID),
		DatabasePath: dbPath,
		OwnerIDs:     ownerIDs,
		Silent:       silent,
	}

	cfg.RadioStations = parseRadioStations(os.Getenv(EnvRadioStations))
	cfg.MusicIdleTimeout = envDuration(EnvMusicIdleTimeout, 5*time.Minute)
	cfg.MusicResumeWin = envDuration(EnvMusicResumeWin, 180*time.Second)

	cfg.XPGainAmount, _ = strconv.ParseInt(os.Getenv(EnvXPGainAmount), 10, 64)
	if cfg.XPGainAmount == 0 {
		cfg.XPGainAmount = 15
	}
	cfg.XPGainCooldown = envDuration(EnvXPGainCooldown, 60*time.Second)
	cfg.XPDecayPercent, _ = strconv.ParseFloat(os.Getenv(EnvXPDecayPercent), 64)
	if cfg.XPDecayPercent == 0 {
		cfg.XPDecayPercent = 2.0
	}
	cfg.XPDecayGrace = envDuration(EnvXPDecayGrace, 7*24*time.Hour)

	cfg.WorkerRetryDelay = envDuration(EnvWorkerRetryDelay, 30*time.Second)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	return nil
}

// parseRadioStations parses "name=url,name=url" into a preset map.
func parseRadioStations(raw string) map[string]string {
	stations := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			continue
		}
		stations[strings.ToLower(name)] = url
	}
	return stations
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "hibiki"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
