package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	BaseURL      string `long:"base-url" env:"BACKENDLINK_BASE_URL" description:"Backend base URL (e.g. https://api.example.com)"`
	Profile      string `long:"profile" env:"BACKENDLINK_PROFILE" default:"default" description:"Credential and cache profile name"`
	Identity     string `long:"identity" env:"BACKENDLINK_IDENTITY" description:"Realtime identity to connect as"`
	SessionToken string `long:"session-token" env:"BACKENDLINK_SESSION_TOKEN" description:"Seed the profile credential with this session token"`
	RefreshToken string `long:"refresh-token" env:"BACKENDLINK_REFRESH_TOKEN" description:"Seed the profile credential with this refresh token"`
	RefreshPath  string `long:"refresh-path" env:"BACKENDLINK_REFRESH_PATH" default:"/api/auth/refresh" description:"Session refresh endpoint path"`
	RealtimePath string `long:"realtime-path" env:"BACKENDLINK_REALTIME_PATH" default:"/ws" description:"Realtime WebSocket endpoint path"`
	RulesFile    string `long:"rules" env:"BACKENDLINK_RULES" description:"YAML file with endpoint cache rules and public endpoints"`
	CacheDir     string `long:"cache-dir" env:"BACKENDLINK_CACHE_DIR" description:"Persisted response cache directory (default: user cache dir)"`
	MemoryOnly   bool   `long:"memory-only" env:"BACKENDLINK_MEMORY_ONLY" description:"Keep the response cache in memory only"`
	MetricsAddr  string `long:"metrics-addr" env:"BACKENDLINK_METRICS_ADDR" description:"Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)"`

	Warm []string `long:"warm" description:"Endpoint to fetch on startup (repeatable)"`

	RateLimit        float64       `long:"rate-limit" env:"BACKENDLINK_RATE_LIMIT" description:"Maximum requests per second (0 disables pacing)"`
	RateBurst        int           `long:"rate-burst" env:"BACKENDLINK_RATE_BURST" default:"5" description:"Request burst allowed above the rate limit"`
	TransportRetries int           `long:"transport-retries" env:"BACKENDLINK_TRANSPORT_RETRIES" default:"2" description:"Retries for idempotent requests that fail before a response"`
	RequestTimeout   time.Duration `long:"request-timeout" env:"BACKENDLINK_REQUEST_TIMEOUT" default:"30s" description:"Per-request timeout"`

	HeartbeatInterval time.Duration `long:"heartbeat-interval" env:"BACKENDLINK_HEARTBEAT_INTERVAL" default:"30s" description:"Realtime heartbeat interval"`
	ReconnectBase     time.Duration `long:"reconnect-base" env:"BACKENDLINK_RECONNECT_BASE" default:"2s" description:"Realtime reconnect base delay"`
	ReconnectMax      time.Duration `long:"reconnect-max" env:"BACKENDLINK_RECONNECT_MAX" default:"30s" description:"Realtime reconnect delay cap"`
	ReconnectAttempts int           `long:"reconnect-attempts" env:"BACKENDLINK_RECONNECT_ATTEMPTS" default:"10" description:"Realtime reconnect attempts before giving up"`

	SaveSettings bool `long:"save-settings" description:"Remember base URL, identity and rules file for this profile"`
	Debug        bool `long:"debug" env:"BACKENDLINK_DEBUG" description:"Enable verbose debug output"`
	LogToFile    bool `long:"log-file" env:"BACKENDLINK_LOG_FILE" description:"Also write JSONL logs under the user cache dir"`
}

type APIEndpoints struct {
	// APIBaseURL is prefixed to every request path.
	APIBaseURL  string
	RefreshURL  string
	RealtimeURL string
}

const (
	DefaultProfile      = "default"
	DefaultRefreshPath  = "/api/auth/refresh"
	DefaultRealtimePath = "/ws"
)

func ParseOptions() (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		return Options{}, err
	}
	opts.Profile = NormalizeProfile(opts.Profile)
	return opts, nil
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	if opts.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if opts.ReconnectMax > 0 && opts.ReconnectBase > opts.ReconnectMax {
		return errors.New("reconnect base delay exceeds its cap")
	}
	return nil
}

// NormalizeProfile maps a profile name to a safe single path element.
func NormalizeProfile(raw string) string {
	profile := strings.TrimSpace(raw)
	if profile == "" {
		return DefaultProfile
	}
	profile = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, profile)
	if strings.Trim(profile, ".") == "" {
		return DefaultProfile
	}
	return profile
}

// ResolveCacheDir returns the persisted cache directory for opts, or "" when
// the cache is memory-only.
func ResolveCacheDir(opts Options) (string, error) {
	if opts.MemoryOnly {
		return "", nil
	}
	if dir := strings.TrimSpace(opts.CacheDir); dir != "" {
		return filepath.Clean(dir), nil
	}
	root, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(root, "backendlink", NormalizeProfile(opts.Profile), "responses"), nil
}

// BuildEndpoints normalizes the base URL and derives the refresh and
// realtime URLs. Empty paths use the defaults.
func BuildEndpoints(rawBaseURL, refreshPath, realtimePath string) (APIEndpoints, error) {
	base, err := buildAPIBaseURL(rawBaseURL)
	if err != nil {
		return APIEndpoints{}, err
	}
	if strings.TrimSpace(refreshPath) == "" {
		refreshPath = DefaultRefreshPath
	}
	if strings.TrimSpace(realtimePath) == "" {
		realtimePath = DefaultRealtimePath
	}
	realtimeURL := *base
	if strings.EqualFold(base.Scheme, "https") {
		realtimeURL.Scheme = "wss"
	} else {
		realtimeURL.Scheme = "ws"
	}
	realtimeURL.Path = cleanPath(realtimePath)

	apiBase := strings.TrimRight(base.String(), "/")
	return APIEndpoints{
		APIBaseURL:  apiBase,
		RefreshURL:  apiBase + cleanPath(refreshPath),
		RealtimeURL: realtimeURL.String(),
	}, nil
}

func buildAPIBaseURL(raw string) (*url.URL, error) {
	value := strings.TrimSpace(raw)
	parsed, err := url.Parse(value)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("expected absolute URL like https://example.com")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return nil, errors.New("base URL scheme must be http or https")
	}

	// Request paths are absolute, so any pasted path is dropped.
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Path = ""
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed, nil
}

func cleanPath(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
