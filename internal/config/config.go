package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment variable names for the service configuration.
const (
	HostEnvVar              = "HOST"
	PortEnvVar              = "PORT"
	ImagesDirEnvVar         = "IMAGES_DIR"
	ImageBaseURLEnvVar      = "IMAGE_BASE_URL"
	ImageCleanupDaysEnvVar  = "IMAGE_CLEANUP_DAYS"
	ImageCleanupTimeEnvVar  = "IMAGE_CLEANUP_TIME"
	MaxUploadSizeEnvVar     = "MAX_UPLOAD_SIZE_MB"
	APIKeysEnvVar           = "API_KEYS"
	KnowledgeBaseEnvVar     = "KNOWLEDGE_BASE_PATH"
	FetchTimeoutEnvVar      = "FETCH_TIMEOUT_SECONDS"
)

const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8000
	DefaultImagesDir         = "static/images"
	DefaultImageBaseURL      = "http://localhost:8000"
	DefaultCleanupDays       = 7
	DefaultCleanupTime       = "02:00"
	DefaultMaxUploadSizeMB   = 100
	DefaultFetchTimeoutsSecs = 30
)

// Config holds the service configuration
type Config struct {
	// Server Configuration
	Host string
	Port int

	// Asset Store Configuration
	ImagesDir    string // Root directory for extracted image namespaces
	ImageBaseURL string // Public URL prefix for serving extracted images

	// Retention Configuration
	CleanupDays int    // Namespaces older than this many days are deleted
	CleanupTime string // Daily cleanup fire time (24h "HH:MM")

	// Upload Configuration
	MaxUploadSizeMB int

	// Authentication Configuration
	APIKeys []string // Static bearer keys; empty disables auth

	// Link Resolution Configuration
	KnowledgeBasePath string // YAML entity->URL knowledge base

	// Remote Fetch Configuration
	FetchTimeout int // Download timeout for URL sources, in seconds
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultKnowledgePath := filepath.Join(homeDir, ".markitdown-api", "knowledge.yaml")

	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		ImagesDir:         DefaultImagesDir,
		ImageBaseURL:      DefaultImageBaseURL,
		CleanupDays:       DefaultCleanupDays,
		CleanupTime:       DefaultCleanupTime,
		MaxUploadSizeMB:   DefaultMaxUploadSizeMB,
		KnowledgeBasePath: defaultKnowledgePath,
		FetchTimeout:      DefaultFetchTimeoutsSecs,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	config := DefaultConfig()

	// Server Configuration
	if host := os.Getenv(HostEnvVar); host != "" {
		config.Host = host
	}

	if port := os.Getenv(PortEnvVar); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
			config.Port = p
		}
	}

	// Asset Store Configuration
	if imagesDir := os.Getenv(ImagesDirEnvVar); imagesDir != "" {
		config.ImagesDir = imagesDir
	}

	if baseURL := os.Getenv(ImageBaseURLEnvVar); baseURL != "" {
		config.ImageBaseURL = baseURL
	}
	config.ImageBaseURL = strings.TrimRight(config.ImageBaseURL, "/")

	// Retention Configuration
	if cleanupDays := os.Getenv(ImageCleanupDaysEnvVar); cleanupDays != "" {
		if days, err := strconv.Atoi(cleanupDays); err == nil && days > 0 {
			config.CleanupDays = days
		}
	}

	// The time string is validated by the retention scheduler, which falls
	// back to the default on a malformed value rather than refusing to start.
	if cleanupTime := os.Getenv(ImageCleanupTimeEnvVar); cleanupTime != "" {
		config.CleanupTime = strings.TrimSpace(cleanupTime)
	}

	// Upload Configuration
	if maxUpload := os.Getenv(MaxUploadSizeEnvVar); maxUpload != "" {
		if size, err := strconv.Atoi(maxUpload); err == nil && size > 0 {
			config.MaxUploadSizeMB = size
		}
	}

	// Authentication Configuration
	if apiKeys := os.Getenv(APIKeysEnvVar); apiKeys != "" {
		for _, key := range strings.Split(apiKeys, ",") {
			if key = strings.TrimSpace(key); key != "" {
				config.APIKeys = append(config.APIKeys, key)
			}
		}
	}

	// Link Resolution Configuration
	if knowledgePath := os.Getenv(KnowledgeBaseEnvVar); knowledgePath != "" {
		config.KnowledgeBasePath = knowledgePath
	}

	// Remote Fetch Configuration
	if fetchTimeout := os.Getenv(FetchTimeoutEnvVar); fetchTimeout != "" {
		if t, err := strconv.Atoi(fetchTimeout); err == nil && t > 0 {
			config.FetchTimeout = t
		}
	}

	return config
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}

	if c.ImagesDir == "" {
		return fmt.Errorf("images directory is required")
	}

	parsed, err := url.Parse(c.ImageBaseURL)
	if err != nil {
		return fmt.Errorf("invalid image base URL %q: %w", c.ImageBaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("image base URL must use http or https, got %q", c.ImageBaseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("image base URL %q has no host", c.ImageBaseURL)
	}

	if c.CleanupDays <= 0 {
		return fmt.Errorf("cleanup days must be greater than 0")
	}

	if c.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("max upload size must be greater than 0")
	}

	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be greater than 0")
	}

	return nil
}

// EnsureImagesDir creates the asset store root if it doesn't exist
func (c *Config) EnsureImagesDir() error {
	if err := os.MkdirAll(c.ImagesDir, 0700); err != nil {
		return fmt.Errorf("failed to create images directory %s: %w", c.ImagesDir, err)
	}
	return nil
}

// Addr returns the host:port bind address for the HTTP server
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MaxUploadBytes returns the upload cap in bytes
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadSizeMB) * 1024 * 1024
}

// AuthEnabled reports whether bearer authentication is configured
func (c *Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0
}
