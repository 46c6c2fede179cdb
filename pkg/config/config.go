package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Client
	APIBaseURL     string
	SocketURL      string
	AuthToken      string
	UserID         string
	Language       string
	TypingDebounce time.Duration
	TypingTimeout  time.Duration
	ReconnectDelay time.Duration
	// LogFile receives client logs while the terminal UI owns the screen.
	LogFile        string

	// Reference server
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	MaxUploadSize   int64
	FileStoragePath string
	PublicURL       string
}

// EnvFileVar names the variable pointing at an optional KEY=VALUE file.
const EnvFileVar = "LEGACYCHAT_ENV_FILE"

func Load() *Config {
	file := loadEnvFile()
	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if file != nil && file.IsSet(key) {
			return file.GetString(key)
		}
		return defaultValue
	}

	return &Config{
		APIBaseURL:      strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:3000/api"), "/"),
		SocketURL:       getEnv("SOCKET_URL", "ws://localhost:3000/ws"),
		AuthToken:       getEnv("AUTH_TOKEN", ""),
		UserID:          getEnv("USER_ID", ""),
		Language:        getEnv("LANGUAGE", "en"),
		TypingDebounce:  parseDuration(getEnv("TYPING_DEBOUNCE", "300ms"), 300*time.Millisecond),
		TypingTimeout:   parseDuration(getEnv("TYPING_TIMEOUT", "3s"), 3*time.Second),
		ReconnectDelay:  parseDuration(getEnv("RECONNECT_DELAY", "1s"), time.Second),
		LogFile:         getEnv("LOG_FILE", ""),
		Port:            getEnv("PORT", "3000"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/legacychat.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", "10485760")), // 10MB default
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),
		PublicURL:       strings.TrimRight(getEnv("PUBLIC_URL", ""), "/"),
	}
}

// loadEnvFile reads LEGACYCHAT_ENV_FILE, or ./.env when it exists.
// A missing or unreadable file is not an error; defaults apply.
func loadEnvFile() *viper.Viper {
	path, explicit := os.LookupEnv(EnvFileVar)
	if !explicit {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if path == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil
	}
	return v
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 10485760 // 10MB default
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
