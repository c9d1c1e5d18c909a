package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	ReportCacheTTLSeconds  int
	FarmPassword           string
	AuthSecret             string
	AccessTokenTTLMinutes  int
	TaxRate                decimal.Decimal
	HarvestAlertWindowDays int
	CurrencyPrecision      int32
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cacheTTL, err := strconv.Atoi(getEnv("REPORT_CACHE_TTL_SECONDS", "15"))
	if err != nil || cacheTTL < 0 {
		cacheTTL = 15
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	window, err := strconv.Atoi(getEnv("HARVEST_ALERT_WINDOW_DAYS", "7"))
	if err != nil || window < 1 {
		window = 7
	}
	precision, err := strconv.Atoi(getEnv("CURRENCY_PRECISION", "2"))
	if err != nil || precision < 0 || precision > 6 {
		precision = 2
	}
	taxRate, err := decimal.NewFromString(getEnv("TAX_RATE", "0.0"))
	if err != nil || taxRate.IsNegative() {
		taxRate = decimal.Zero
	}

	return Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		ReportCacheTTLSeconds:  cacheTTL,
		FarmPassword:           strings.TrimSpace(os.Getenv("FARM_PASSWORD")),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		TaxRate:                taxRate,
		HarvestAlertWindowDays: window,
		CurrencyPrecision:      int32(precision),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
