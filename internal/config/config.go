package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Token is one monitored ERC-20 asset.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

type Config struct {
	ChainWSURL  string // streaming endpoint, owned by the supervisor
	ChainRPCURL string // plain endpoint for queries, sweeps, confirmations

	OracleBaseURL string
	OracleIDs     map[string]string // asset symbol -> oracle listing id
	PriceCacheTTL time.Duration

	AlertWebhookURL string

	CustodialAddress string
	NativeAsset      string
	NativeDecimals   int32
	Tokens           []Token

	KeystoreDir        string
	KeystorePassphrase string
	DBPath             string
	APIAddr            string

	ConfirmationDepth   uint64
	MinDepositUSD       decimal.Decimal
	RefreshInterval     time.Duration
	MonitorInterval     time.Duration
	ConfirmationTimeout time.Duration
	CatchUpInterval     time.Duration
	ReconnectBackoff    time.Duration
}

// Load reads .env if present and assembles the agent configuration.
// Endpoint settings are validated by the components that need them, not
// here, so a missing RPC URL surfaces as a supervised startup error rather
// than killing the process.
func Load() (*Config, error) {
	_ = godotenv.Load()

	minDeposit, err := decimal.NewFromString(getenv("MIN_DEPOSIT_USD", "5"))
	if err != nil {
		return nil, fmt.Errorf("MIN_DEPOSIT_USD: %w", err)
	}

	depth, err := strconv.ParseUint(getenv("CONFIRMATION_DEPTH", "12"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("CONFIRMATION_DEPTH: %w", err)
	}

	tokens, err := parseTokens(os.Getenv("TOKEN_CONTRACTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ChainWSURL:  os.Getenv("CHAIN_WS_URL"),
		ChainRPCURL: os.Getenv("CHAIN_RPC_URL"),

		OracleBaseURL: getenv("ORACLE_BASE_URL", "https://api.coingecko.com/api/v3"),
		OracleIDs:     parsePairs(getenv("ORACLE_IDS", "ETH=ethereum")),
		PriceCacheTTL: duration("PRICE_CACHE_TTL", 5*time.Minute),

		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),

		CustodialAddress: os.Getenv("CUSTODIAL_ADDRESS"),
		NativeAsset:      getenv("NATIVE_ASSET", "ETH"),
		NativeDecimals:   18,
		Tokens:           tokens,

		KeystoreDir:        getenv("KEYSTORE_DIR", "./tmp/keys"),
		KeystorePassphrase: getenv("KEYSTORE_PASSPHRASE", "password"),
		DBPath:             getenv("DB_PATH", "./tmp/custody.db"),
		APIAddr:            getenv("API_ADDR", ":8000"),

		ConfirmationDepth:   depth,
		MinDepositUSD:       minDeposit,
		RefreshInterval:     duration("REFRESH_INTERVAL", 5*time.Minute),
		MonitorInterval:     duration("MONITOR_INTERVAL", 30*time.Second),
		ConfirmationTimeout: duration("CONFIRMATION_TIMEOUT", 10*time.Minute),
		CatchUpInterval:     duration("CATCHUP_INTERVAL", time.Hour),
		ReconnectBackoff:    duration("RECONNECT_BACKOFF", 5*time.Second),
	}
	return cfg, nil
}

// TokenBySymbol returns the configured token for a symbol, if any.
func (c *Config) TokenBySymbol(symbol string) (Token, bool) {
	for _, t := range c.Tokens {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return Token{}, false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// parsePairs parses "ETH=ethereum,USDT=tether".
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.ToUpper(k)] = v
	}
	return out
}

// parseTokens parses "USDT:0xdac1..:6,USDC:0xa0b8..:6".
func parseTokens(s string) ([]Token, error) {
	if s == "" {
		return nil, nil
	}
	var tokens []Token
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("TOKEN_CONTRACTS entry %q: want SYMBOL:ADDRESS:DECIMALS", entry)
		}
		if !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("TOKEN_CONTRACTS entry %q: invalid address", entry)
		}
		dec, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("TOKEN_CONTRACTS entry %q: %w", entry, err)
		}
		tokens = append(tokens, Token{
			Symbol:   strings.ToUpper(parts[0]),
			Address:  common.HexToAddress(parts[1]),
			Decimals: int32(dec),
		})
	}
	return tokens, nil
}
