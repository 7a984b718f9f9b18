package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// User is an account allowed to authenticate against the service.
// Password may be plaintext or an existing bcrypt hash; plaintext is
// hashed once at startup.
type User struct {
	Username string
	Password string
}

// Config holds the service configuration.
type Config struct {
	// HTTP
	Host        string // Bind address (default: 0.0.0.0)
	Port        int    // API port (default: 8000)
	MetricsPort int    // Prometheus metrics port (default: 9090)

	// Auth
	SecretKey string        // Token signing secret; generated when empty
	TokenTTL  time.Duration // Access token lifetime (default: 30m)
	Users     []User

	// Uploads
	WorkDir           string   // Root for uploads and task workspaces (default: ./olmocr_workdir)
	AllowedExtensions []string // Accepted upload extensions, lowercase with dot
	MaxUploadBytes    int64    // Upload size cap (default: 50 MB)

	// OCR engine
	Engine           string   // "olmocr" or "tesseract" (default: olmocr)
	PythonBin        string   // Interpreter used to launch the olmocr pipeline
	PipelineMarkdown bool     // Pass --markdown to the pipeline
	PipelineTables   bool     // Pass --extract_tables to the pipeline
	PipelineFigures  bool     // Pass --extract_figures to the pipeline
	TesseractLangs   []string // Language hints for the tesseract engine

	// Scheduler
	WorkerPoolSize  int           // Max concurrent engine runs (default: 2)
	ClaimInterval   time.Duration // How often to poll for queued tasks (default: 1s)
	EngineTimeout   time.Duration // Max runtime for one engine run (default: 30m)
	ShutdownTimeout time.Duration // Grace period for shutdown (default: 30s)

	// Task registry; in-memory when empty
	DatabaseURL string
}

// FromEnv builds the configuration from environment variables, falling
// back to defaults that match a development setup.
func FromEnv() *Config {
	return &Config{
		Host:        getEnv("APP_HOST", "0.0.0.0"),
		Port:        getEnvInt("APP_PORT", 8000),
		MetricsPort: getEnvInt("METRICS_PORT", 9090),

		SecretKey: os.Getenv("SECRET_KEY"),
		TokenTTL:  time.Duration(getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute,
		Users: []User{{
			Username: getEnv("ADMIN_USERNAME", "admin"),
			Password: getEnv("ADMIN_PASSWORD", "secret"),
		}},

		WorkDir:           getEnv("WORK_DIR", "./olmocr_workdir"),
		AllowedExtensions: splitList(getEnv("ALLOWED_EXTENSIONS", ".pdf,.png,.jpg,.jpeg")),
		MaxUploadBytes:    int64(getEnvInt("MAX_FILE_SIZE_MB", 50)) << 20,

		Engine:           getEnv("OCR_ENGINE", "olmocr"),
		PythonBin:        getEnv("OLMOCR_PYTHON", "python"),
		PipelineMarkdown: getEnvBool("PIPELINE_MARKDOWN", true),
		PipelineTables:   getEnvBool("PIPELINE_EXTRACT_TABLES", true),
		PipelineFigures:  getEnvBool("PIPELINE_EXTRACT_FIGURES", true),
		TesseractLangs:   splitList(getEnv("TESSERACT_LANGS", "eng")),

		WorkerPoolSize:  getEnvInt("WORKER_POOL_SIZE", 2),
		ClaimInterval:   getEnvDuration("CLAIM_INTERVAL", 1*time.Second),
		EngineTimeout:   getEnvDuration("ENGINE_TIMEOUT", 30*time.Minute),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: os.Getenv("DATABASE_URL"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
