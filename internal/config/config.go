package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds provider, store, schedule and logging settings.
type Config struct {
	// Provider (Xtream Codes panel and/or M3U playlist)
	ProviderBaseURL string // e.g. http://provider:8080
	ProviderUser    string
	ProviderPass    string
	M3UURL          string // optional: playlist URL; built from the provider when empty
	StreamExt       string // container extension of live stream URLs (ts, m3u8)
	DefaultGroup    string // category group for playlist entries without group-title

	// Store
	StoreDriver  string // "sqlite" | "memory"
	StorePath    string // sqlite database file
	SnapshotPath string // memory driver: JSON snapshot loaded at start and saved after each sync; "" = none
	SchemaPath   string // "" = built-in schema
	MatchPolicy  string // "value" | "pair"

	// Logging
	LogLevel      string
	LogFormat     string // "console" | "json"
	LogDir        string // "" = no log file
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	// Serving and scheduling
	AdminAddr       string
	RefreshCron     string // "" disables scheduled refresh
	PruneCron       string // "" disables scheduled prune
	PruneMaxAge     time.Duration
	PruneBatchSize  int
	MaintenanceFile string

	// Stream checks
	CheckCron        string // "" disables scheduled stream checks
	CheckMaxAge      time.Duration
	CheckConcurrency int
	CheckTimeout     time.Duration

	// Upstream pacing
	UpstreamRPS   float64 // player_api requests per second; 0 = unlimited
	UpstreamBurst int
	HTTPTimeout   time.Duration
	IngestWorkers int
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load() to use a .env file.
// If ProviderUser or ProviderPass are empty, Load tries XC_DISCOVERY_SUBSCRIPTION_FILE (or default path) with "Username:" / "Password:" lines.
func Load() *Config {
	c := &Config{
		ProviderBaseURL:  os.Getenv("XC_DISCOVERY_PROVIDER_URL"),
		ProviderUser:     os.Getenv("XC_DISCOVERY_PROVIDER_USER"),
		ProviderPass:     os.Getenv("XC_DISCOVERY_PROVIDER_PASS"),
		M3UURL:           os.Getenv("XC_DISCOVERY_M3U_URL"),
		StreamExt:        getEnv("XC_DISCOVERY_STREAM_EXT", "ts"),
		DefaultGroup:     getEnv("XC_DISCOVERY_DEFAULT_GROUP", "Uncategorized"),
		StoreDriver:      strings.ToLower(getEnv("XC_DISCOVERY_STORE", "sqlite")),
		StorePath:        getEnv("XC_DISCOVERY_STORE_PATH", "./xcdiscovery.db"),
		SnapshotPath:     os.Getenv("XC_DISCOVERY_SNAPSHOT_PATH"),
		SchemaPath:       os.Getenv("XC_DISCOVERY_SCHEMA_PATH"),
		MatchPolicy:      getEnv("XC_DISCOVERY_MATCH_POLICY", "value"),
		LogLevel:         getEnv("XC_DISCOVERY_LOG_LEVEL", "info"),
		LogFormat:        getEnv("XC_DISCOVERY_LOG_FORMAT", "console"),
		LogDir:           os.Getenv("XC_DISCOVERY_LOG_DIR"),
		LogMaxSizeMB:     getEnvInt("XC_DISCOVERY_LOG_MAX_SIZE_MB", 50),
		LogMaxBackups:    getEnvInt("XC_DISCOVERY_LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:    getEnvInt("XC_DISCOVERY_LOG_MAX_AGE_DAYS", 14),
		LogCompress:      getEnvBool("XC_DISCOVERY_LOG_COMPRESS", true),
		AdminAddr:        getEnv("XC_DISCOVERY_ADMIN_ADDR", ":8089"),
		RefreshCron:      getEnv("XC_DISCOVERY_REFRESH_CRON", "0 */6 * * *"),
		PruneCron:        getEnv("XC_DISCOVERY_PRUNE_CRON", "30 3 * * *"),
		PruneMaxAge:      getEnvDuration("XC_DISCOVERY_PRUNE_MAX_AGE", 72*time.Hour),
		PruneBatchSize:   getEnvInt("XC_DISCOVERY_PRUNE_BATCH_SIZE", 100),
		MaintenanceFile:  getEnv("XC_DISCOVERY_MAINTENANCE_FILE", "./maintenance.flag"),
		CheckCron:        os.Getenv("XC_DISCOVERY_CHECK_CRON"),
		CheckMaxAge:      getEnvDuration("XC_DISCOVERY_CHECK_MAX_AGE", 6*time.Hour),
		CheckConcurrency: getEnvInt("XC_DISCOVERY_CHECK_CONCURRENCY", 10),
		CheckTimeout:     getEnvDuration("XC_DISCOVERY_CHECK_TIMEOUT", 8*time.Second),
		UpstreamRPS:      getEnvFloat("XC_DISCOVERY_UPSTREAM_RPS", 2),
		UpstreamBurst:    getEnvInt("XC_DISCOVERY_UPSTREAM_BURST", 2),
		HTTPTimeout:      getEnvDuration("XC_DISCOVERY_HTTP_TIMEOUT", 60*time.Second),
		IngestWorkers:    getEnvInt("XC_DISCOVERY_INGEST_WORKERS", 4),
	}
	if c.PruneBatchSize <= 0 {
		c.PruneBatchSize = 100
	}
	if c.IngestWorkers <= 0 {
		c.IngestWorkers = 1
	}
	if c.UpstreamBurst <= 0 {
		c.UpstreamBurst = 1
	}
	if c.CheckConcurrency <= 0 {
		c.CheckConcurrency = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 60 * time.Second
	}
	// Subscription file fallback ("Username: x" / "Password: y" lines)
	if c.ProviderUser == "" || c.ProviderPass == "" {
		if user, pass, err := readSubscriptionFile(getEnv("XC_DISCOVERY_SUBSCRIPTION_FILE", "")); err == nil {
			if c.ProviderUser == "" {
				c.ProviderUser = user
			}
			if c.ProviderPass == "" {
				c.ProviderPass = pass
			}
		}
	}
	return c
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite":
		if c.StorePath == "" {
			return fmt.Errorf("config: XC_DISCOVERY_STORE_PATH is required for the sqlite store")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q (want sqlite or memory)", c.StoreDriver)
	}
	switch strings.ToLower(strings.TrimSpace(c.MatchPolicy)) {
	case "", "value", "pair":
	default:
		return fmt.Errorf("config: unknown match policy %q (want value or pair)", c.MatchPolicy)
	}
	if c.PruneMaxAge < 0 {
		return fmt.Errorf("config: negative prune max age %s", c.PruneMaxAge)
	}
	return nil
}

// HasXC reports whether player_api credentials are configured.
func (c *Config) HasXC() bool {
	return len(c.ProviderURLs()) > 0 && c.ProviderUser != "" && c.ProviderPass != ""
}

// readSubscriptionFile reads "Username: x" and "Password: x" from path. path may be empty to try default.
// When path is empty, globs ~/Documents/iptv.subscription.*.txt and uses the alphabetically last match
// (i.e. highest year), so the file keeps working across year-end renewals.
func readSubscriptionFile(path string) (user, pass string, err error) {
	if path == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "", "", os.ErrNotExist
		}
		pattern := filepath.Join(home, "Documents", "iptv.subscription.*.txt")
		matches, globErr := filepath.Glob(pattern)
		if globErr != nil || len(matches) == 0 {
			return "", "", os.ErrNotExist
		}
		sort.Strings(matches)
		path = matches[len(matches)-1]
	}
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Username:") {
			user = strings.TrimSpace(strings.TrimPrefix(line, "Username:"))
		} else if strings.HasPrefix(line, "Password:") {
			pass = strings.TrimSpace(strings.TrimPrefix(line, "Password:"))
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	if user == "" || pass == "" {
		return "", "", fmt.Errorf("subscription file: missing Username or Password")
	}
	return user, pass, nil
}

// M3UURLOrBuild returns M3UURL if set, otherwise builds from ProviderBaseURL + user + pass.
func (c *Config) M3UURLOrBuild() string {
	urls := c.M3UURLsOrBuild()
	if len(urls) > 0 {
		return urls[0]
	}
	return ""
}

// M3UURLsOrBuild returns a list of M3U URLs to probe: single XC_DISCOVERY_M3U_URL if set,
// otherwise one URL per XC_DISCOVERY_PROVIDER_URLS (or single ProviderBaseURL) with get.php.
func (c *Config) M3UURLsOrBuild() []string {
	if c.M3UURL != "" {
		return []string{c.M3UURL}
	}
	user, pass := c.ProviderUser, c.ProviderPass
	if user == "" || pass == "" {
		return nil
	}
	urls := c.ProviderURLs()
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, 0, len(urls))
	for _, base := range urls {
		base = strings.TrimSuffix(base, "/")
		out = append(out, base+"/get.php?username="+url.QueryEscape(user)+"&password="+url.QueryEscape(pass)+"&type=m3u_plus&output="+url.QueryEscape(c.StreamExt))
	}
	return out
}

// ProviderURLs returns all base URLs to try (XC_DISCOVERY_PROVIDER_URLS comma-separated, or single XC_DISCOVERY_PROVIDER_URL).
// Requires explicit URL(s); no default host list.
func (c *Config) ProviderURLs() []string {
	s := os.Getenv("XC_DISCOVERY_PROVIDER_URLS")
	if s != "" {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if c.ProviderBaseURL != "" {
		return []string{c.ProviderBaseURL}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
