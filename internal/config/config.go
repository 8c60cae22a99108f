package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config is the full environment surface, read once at startup. All
// credentials MUST come from environment variables; use a .env file for
// local development: cp .env.example .env && edit .env
type Config struct {
	PublicPort string
	AdminPort  string

	LobbyCount int

	ArenaWidth       float64
	ArenaHeight      float64
	TickRate         int
	PlayerRadius     float64
	MaxSpeed         float64
	CountdownSeconds int
	ReconnectGrace   time.Duration
	LobbyTimeout     time.Duration

	RPCURL          string
	RPCFallbackURLs []string
	TokenAddress    common.Address
	BuyIn           int64 // minor units, 6 decimals
	WinnerPayout    int64
	TreasuryCut     int64
	MinConfirms     uint64
	MaxTxAge        time.Duration
	MinGasWei       *big.Int

	LobbyWalletSeed  []byte
	WalletEncryptKey string
	TreasuryMnemonic string

	AlertWebhookURLs []string

	DatabaseURL string
	BackupDir   string
}

// Load reads the environment (and .env when present) into a Config.
// Missing required secrets are fatal.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] no .env file found, using environment variables")
	}
	if prefix := os.Getenv("LOG_PREFIX"); prefix != "" {
		log.SetPrefix(prefix + " ")
	}

	cfg := &Config{
		PublicPort:       getEnvOrDefault("PUBLIC_PORT", "8080"),
		AdminPort:        getEnvOrDefault("ADMIN_PORT", "8081"),
		LobbyCount:       getEnvInt("LOBBY_COUNT", 8),
		ArenaWidth:       getEnvFloat("ARENA_WIDTH", 1600),
		ArenaHeight:      getEnvFloat("ARENA_HEIGHT", 900),
		TickRate:         getEnvInt("TICK_RATE", 30),
		PlayerRadius:     getEnvFloat("PLAYER_RADIUS", 22),
		MaxSpeed:         getEnvFloat("MAX_SPEED", 450),
		CountdownSeconds: getEnvInt("COUNTDOWN_SECONDS", 3),
		ReconnectGrace:   time.Duration(getEnvInt("RECONNECT_GRACE_SECONDS", 30)) * time.Second,
		LobbyTimeout:     time.Duration(getEnvInt("LOBBY_TIMEOUT_MINUTES", 15)) * time.Minute,
		RPCURL:           requireEnv("RPC_URL"),
		BuyIn:            getEnvInt64("BUY_IN_UNITS", 1_000_000),         // 1.0
		WinnerPayout:     getEnvInt64("WINNER_PAYOUT_UNITS", 2_400_000), // 2.4
		TreasuryCut:      getEnvInt64("TREASURY_CUT_UNITS", 600_000),    // 0.6
		MinConfirms:      uint64(getEnvInt("MIN_CONFIRMATIONS", 3)),
		MaxTxAge:         time.Duration(getEnvInt("MAX_TX_AGE_MINUTES", 60)) * time.Minute,
		WalletEncryptKey: requireEnv("WALLET_ENCRYPTION_KEY"),
		TreasuryMnemonic: os.Getenv("TREASURY_MNEMONIC"),
		DatabaseURL:      requireEnv("DATABASE_URL"),
		BackupDir:        getEnvOrDefault("BACKUP_DIR", ""),
	}

	cfg.LobbyWalletSeed = []byte(requireEnv("LOBBY_WALLET_SEED"))

	tokenHex := requireEnv("TOKEN_ADDRESS")
	if !common.IsHexAddress(tokenHex) {
		log.Fatalf("FATAL: TOKEN_ADDRESS %q is not a valid address", tokenHex)
	}
	cfg.TokenAddress = common.HexToAddress(tokenHex)

	if urls := os.Getenv("RPC_FALLBACK_URLS"); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.RPCFallbackURLs = append(cfg.RPCFallbackURLs, u)
			}
		}
	}
	if urls := os.Getenv("ALERT_WEBHOOK_URLS"); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.AlertWebhookURLs = append(cfg.AlertWebhookURLs, u)
			}
		}
	}

	cfg.MinGasWei = big.NewInt(getEnvInt64("MIN_GAS_WEI", 10_000_000_000_000_000)) // 0.01 native

	if err := cfg.validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}
	return cfg
}

func (c *Config) validate() error {
	if c.LobbyCount < 1 {
		return fmt.Errorf("LOBBY_COUNT must be >= 1")
	}
	if c.TickRate < 1 || c.TickRate > 240 {
		return fmt.Errorf("TICK_RATE out of range: %d", c.TickRate)
	}
	if c.BuyIn <= 0 || c.WinnerPayout <= 0 {
		return fmt.Errorf("buy-in and payout must be positive")
	}
	if c.WinnerPayout+c.TreasuryCut > 3*c.BuyIn {
		return fmt.Errorf("payout %d + treasury cut %d exceeds pot %d",
			c.WinnerPayout, c.TreasuryCut, 3*c.BuyIn)
	}
	return nil
}

// requireEnv reads a required environment variable and exits if unset.
// This prevents the binary from starting with missing critical secrets.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values.", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("FATAL: %s must be an integer, got %q", key, val)
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		log.Fatalf("FATAL: %s must be an integer, got %q", key, val)
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		log.Fatalf("FATAL: %s must be a number, got %q", key, val)
	}
	return f
}
