package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the safewalk service.
type Config struct {
	Addr  string `env:"ADDR,default=:8080"`
	DBDSN string `env:"DB_DSN,required"`

	NATSURL      string `env:"NATS_URL"`
	RedisURL     string `env:"REDIS_URL"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	IdentityBaseURL string        `env:"IDENTITY_BASE_URL,required"`
	IdentityTimeout time.Duration `env:"IDENTITY_TIMEOUT,default=5s"`

	TwilioAccountSID string        `env:"TWILIO_ACCOUNT_SID,required"`
	TwilioAuthToken  string        `env:"TWILIO_AUTH_TOKEN,required"`
	TwilioFromNumber string        `env:"TWILIO_FROM_NUMBER,required"`
	TwilioBaseURL    string        `env:"TWILIO_BASE_URL"`
	TwilioTimeout    time.Duration `env:"TWILIO_TIMEOUT,default=10s"`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL,default=30s"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE,default=50"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`

	// Per-endpoint rate limits; a zero limit disables the limiter.
	StartLimit      int           `env:"RATE_START_LIMIT,default=30"`
	SosLimit        int           `env:"RATE_SOS_LIMIT,default=5"`
	TestSmsLimit    int           `env:"RATE_TEST_SMS_LIMIT,default=3"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=1h"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
