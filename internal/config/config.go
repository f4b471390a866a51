package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	// PublicBaseURL is the web client the share links point at.
	PublicBaseURL string
	// APIBaseURL prefixes references to files served from UploadDir.
	APIBaseURL     string
	ShareSecret    string
	ShareTTL       time.Duration
	UploadDir      string
	UploadMaxBytes int64
	// Redis - client snapshot cache for proofctl replay
	RedisURL string
	// MinIO - uploads go to the local upload dir when unset
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	MinIOPublicURL string
	MeiliURL       string
	MeiliMasterKey string
	WebhookURL     string
	// SMTP Configuration
	SMTPHost      string
	SMTPPort      string
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	SMTPFromName  string
	NotifyEmailTo []string
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: ignoring .env: %v", err)
	}
	addr := getenv("API_ADDR", ":4000")
	return Config{
		Addr:           addr,
		DatabaseURL:    getenv("DATABASE_URL", "sqlite:./data/proofmark.db"),
		MigrationsDir:  getenv("PROOFMARK_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:     getenv("PROOFMARK_CORS_ORIGIN", "*"),
		PublicBaseURL:  strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://127.0.0.1:5173"), "/"),
		APIBaseURL:     strings.TrimRight(getenv("API_BASE_URL", defaultAPIBase(addr)), "/"),
		ShareSecret:    getenv("PROOFMARK_SHARE_SECRET", "proofmark-dev-secret"),
		ShareTTL:       time.Duration(getenvInt("PROOFMARK_SHARE_TTL_SECONDS", 2592000)) * time.Second,
		UploadDir:      getenv("UPLOAD_DIR", "./uploads"),
		UploadMaxBytes: int64(getenvInt("PROOFMARK_UPLOAD_MAX_MB", 50)) << 20,
		RedisURL:       getenv("REDIS_URL", ""),
		MinIOEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getenv("MINIO_BUCKET", "proofmark"),
		MinIOUseSSL:    getenvBool("MINIO_USE_SSL", false),
		MinIOPublicURL: getenv("MINIO_PUBLIC_URL", ""),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		WebhookURL:     getenv("NOTIFY_WEBHOOK_URL", ""),
		// SMTP - empty by default, email disabled if not configured
		SMTPHost:      getenv("SMTP_HOST", ""),
		SMTPPort:      getenv("SMTP_PORT", "587"),
		SMTPUsername:  getenv("SMTP_USERNAME", ""),
		SMTPPassword:  getenv("SMTP_PASSWORD", ""),
		SMTPFrom:      getenv("SMTP_FROM", ""),
		SMTPFromName:  getenv("SMTP_FROM_NAME", "Proofmark"),
		NotifyEmailTo: getenvList("NOTIFY_EMAIL_TO"),
	}
}

func defaultAPIBase(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
