package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort  string
	DBPath      string
	Environment string
	UploadDir   string
	// Email (Resend)
	ResendAPIKey  string
	EmailFrom     string
	EmailFromName string
	EmailTestMode bool // When true, emails are logged to console instead of sent
	// Billing
	BaseFee          float64
	VATRate          float64
	BillingRecipient string             // insurer billing inbox; empty disables dispatch
	MileageRates     map[string]float64 // per-district rate table
	// Delegated signing (visual annotation is used when no credential is configured)
	SigningCertPath     string
	SigningCertPassword string
	SignerBackendURL    string
	// Step timeouts
	RenderTimeout   time.Duration
	SignTimeout     time.Duration
	DispatchTimeout time.Duration
	// Cloudflare R2 Storage
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string
}

// BillingConfig is the immutable snapshot a single workflow invocation runs against.
// Amount computation must be reproducible from the snapshot captured at invocation
// start; later configuration changes never alter already-generated documents.
type BillingConfig struct {
	BaseFee             float64
	VATRate             float64
	RecipientEmail      string
	MileageRates        map[string]float64
	SigningCertPath     string
	SigningCertPassword string
	SignerBackendURL    string
	RenderTimeout       time.Duration
	SignTimeout         time.Duration
	DispatchTimeout     time.Duration
}

func Load() *Config {
	// Load .env file (ignore error if not present - use system env vars)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		ServerPort:          getEnv("SERVER_PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "db/app.db"),
		Environment:         getEnv("ENVIRONMENT", "development"),
		UploadDir:           getEnv("UPLOAD_DIR", "storage/files"),
		ResendAPIKey:        getEnv("RESEND_API_KEY", ""),
		EmailFrom:           getEnv("EMAIL_FROM", "facturacion@iy-abogados.org"),
		EmailFromName:       getEnv("EMAIL_FROM_NAME", "IY Abogados"),
		EmailTestMode:       getEnvBool("EMAIL_TEST_MODE", true), // Default true for safety
		BaseFee:             getEnvFloat("BILLING_BASE_FEE", 0),
		VATRate:             getEnvFloat("BILLING_VAT_RATE", 21),
		BillingRecipient:    getEnv("BILLING_RECIPIENT_EMAIL", ""),
		MileageRates:        parseMileageRates(getEnv("MILEAGE_RATES", "")),
		SigningCertPath:     getEnv("SIGNING_CERT_PATH", ""),
		SigningCertPassword: getEnv("SIGNING_CERT_PASSWORD", ""),
		SignerBackendURL:    getEnv("SIGNER_BACKEND_URL", ""),
		RenderTimeout:       getEnvDuration("RENDER_TIMEOUT", 30*time.Second),
		SignTimeout:         getEnvDuration("SIGN_TIMEOUT", 15*time.Second),
		DispatchTimeout:     getEnvDuration("DISPATCH_TIMEOUT", 20*time.Second),
		R2AccountID:         getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:       getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:   getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:        getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:         getEnv("R2_PUBLIC_URL", ""),
	}
}

// BillingSnapshot captures the billing configuration as of this moment.
// The returned value (including the rate table copy) is never mutated afterwards.
func (c *Config) BillingSnapshot() BillingConfig {
	rates := make(map[string]float64, len(c.MileageRates))
	for district, rate := range c.MileageRates {
		rates[district] = rate
	}
	return BillingConfig{
		BaseFee:             c.BaseFee,
		VATRate:             c.VATRate,
		RecipientEmail:      c.BillingRecipient,
		MileageRates:        rates,
		SigningCertPath:     c.SigningCertPath,
		SigningCertPassword: c.SigningCertPassword,
		SignerBackendURL:    c.SignerBackendURL,
		RenderTimeout:       c.RenderTimeout,
		SignTimeout:         c.SignTimeout,
		DispatchTimeout:     c.DispatchTimeout,
	}
}

// parseMileageRates parses "Marbella=25.50,Fuengirola=30" into a rate table.
// Malformed entries are logged and skipped.
func parseMileageRates(raw string) map[string]float64 {
	rates := make(map[string]float64)
	if strings.TrimSpace(raw) == "" {
		return rates
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			log.Printf("[WARNING] Skipping malformed mileage rate entry: %q", entry)
			continue
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			log.Printf("[WARNING] Skipping mileage rate with invalid amount: %q", entry)
			continue
		}
		rates[strings.TrimSpace(parts[0])] = rate
	}
	return rates
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Printf("Using default value for %s: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept common boolean representations
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("[WARNING] Invalid float for %s: %q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[WARNING] Invalid duration for %s: %q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
