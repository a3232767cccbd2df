package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	ServiceName      string
	OTELEndpoint     string
	TelemetryEnabled bool
	Port             string
	PublicBaseURL    string
	StaticDir        string
	Vipps            VippsConfig
}

// VippsConfig holds the credentials and endpoints of the Vipps ePayment API
type VippsConfig struct {
	ClientID          string
	ClientSecret      string
	SubscriptionKey   string
	MerchantSerial    string
	BaseURL           string
	AccessTokenURL    string
	PaymentAPIURL     string
	HTTPTimeout       time.Duration
	TokenSafetyMargin time.Duration
	SystemName        string
	SystemVersion     string
	PluginName        string
	PluginVersion     string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")
	baseURL := strings.TrimRight(getEnv("VIPPS_BASE_API_URL", "https://apitest.vipps.no"), "/")

	return &Config{
		ServiceName:      getEnv("SERVICE_NAME", "vipps-payments"),
		OTELEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: getBool("TELEMETRY_ENABLED", true),
		Port:             port,
		PublicBaseURL:    strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),
		StaticDir:        getEnv("STATIC_DIR", "public"),
		Vipps: VippsConfig{
			ClientID:          os.Getenv("VIPPS_CLIENT_ID"),
			ClientSecret:      os.Getenv("VIPPS_CLIENT_SECRET"),
			SubscriptionKey:   os.Getenv("VIPPS_SUBSCRIPTION_KEY"),
			MerchantSerial:    os.Getenv("VIPPS_MERCHANT_SERIAL"),
			BaseURL:           baseURL,
			AccessTokenURL:    getEnv("VIPPS_ACCESS_TOKEN_URL", baseURL+"/accesstoken/get"),
			PaymentAPIURL:     strings.TrimRight(getEnv("VIPPS_PAYMENT_API_URL", baseURL+"/epayment/v1"), "/"),
			HTTPTimeout:       getDuration("VIPPS_HTTP_TIMEOUT", 15*time.Second),
			TokenSafetyMargin: getDuration("VIPPS_TOKEN_SAFETY_MARGIN", time.Minute),
			SystemName:        getEnv("VIPPS_SYSTEM_NAME", "acme"),
			SystemVersion:     getEnv("VIPPS_SYSTEM_VERSION", "3.1.2"),
			PluginName:        getEnv("VIPPS_PLUGIN_NAME", "acme-webshop"),
			PluginVersion:     getEnv("VIPPS_PLUGIN_VERSION", "4.5.6"),
		},
	}
}

// Validate reports every missing Vipps credential at once
func (c *Config) Validate() error {
	var errs []error
	required := []struct{ key, value string }{
		{"VIPPS_CLIENT_ID", c.Vipps.ClientID},
		{"VIPPS_CLIENT_SECRET", c.Vipps.ClientSecret},
		{"VIPPS_SUBSCRIPTION_KEY", c.Vipps.SubscriptionKey},
		{"VIPPS_MERCHANT_SERIAL", c.Vipps.MerchantSerial},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, errors.New(r.key+" is not set"))
		}
	}
	if c.Vipps.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("VIPPS_HTTP_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
