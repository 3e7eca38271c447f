package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port               string        // listen port
	MaxConnections     int           // inbound connection cap for the listener
	ServerWriteTimeout time.Duration // must cover the longest expected run

	RateLimitRPS   float64       // tokens added per second per IP
	RateLimitBurst int           // max burst tokens per IP
	RateLimiterTTL time.Duration // idle bucket eviction horizon

	TrustProxyHeaders bool     // trust X-Forwarded-For / X-Real-IP when true
	BenchTokens       []string // when non-empty, starting a run requires one of these

	MaxWorkers           int // cap on num_threads
	MaxRequestsPerWorker int // cap on requests_per_thread
	MaxConcurrentRuns    int // runs allowed to execute at once

	PoolPerWorker int  // pooled connections per worker
	PoolSquared   bool // size the pool as workers*workers
	MaxPoolSize   int  // clamp for the computed pool size

	ConnectTimeout time.Duration // per dial
	AcquireTimeout time.Duration // 0 blocks until a connection is free
	ReadTimeout    time.Duration // per exchange, 0 disables
	RunTimeout     time.Duration // whole run, 0 disables

	MaxResponseBytes  int    // framer buffer bound
	DefaultConnection string // keep-alive or close
	HistorySize       int    // finished runs kept in memory

	TargetAllowHosts   []string
	TargetBlockHosts   []string
	TargetAllowFile    string
	TargetBlockFile    string
	TargetBlockPrivate bool
	TargetAllowPorts   []int
	// TargetRefresh re-reads the list files periodically; 0 disables.
	TargetRefresh time.Duration
}

func Load(logger *log.Logger) Config {
	c := Config{
		Port:                 "8080",
		MaxConnections:       1024,
		ServerWriteTimeout:   10 * time.Minute,
		RateLimitRPS:         1.0,
		RateLimitBurst:       5,
		RateLimiterTTL:       10 * time.Minute,
		MaxWorkers:           1000,
		MaxRequestsPerWorker: 1_000_000,
		MaxConcurrentRuns:    1,
		PoolPerWorker:        1,
		MaxPoolSize:          4096,
		ConnectTimeout:       5 * time.Second,
		MaxResponseBytes:     4 << 20,
		DefaultConnection:    "keep-alive",
		HistorySize:          100,
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 65536 {
			c.Port = v
		} else {
			logger.Printf("warn: config: invalid PORT=%q", v)
		}
	}
	positiveInt(logger, "MAX_CONNECTIONS", &c.MaxConnections)
	positiveDuration(logger, "SERVER_WRITE_TIMEOUT", &c.ServerWriteTimeout)

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.RateLimitRPS = f
		} else if err != nil {
			logger.Printf("warn: config: invalid RATE_LIMIT_RPS=%q: %v", v, err)
		}
	}
	positiveInt(logger, "RATE_LIMIT_BURST", &c.RateLimitBurst)
	positiveDuration(logger, "RATE_LIMIT_BUCKET_TTL", &c.RateLimiterTTL)
	if v := os.Getenv("TRUST_PROXY_HEADERS"); v != "" {
		c.TrustProxyHeaders = truthy(v)
	}
	if v := os.Getenv("BENCH_TOKENS"); v != "" { // comma-separated
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if len(p) >= 16 {
				c.BenchTokens = append(c.BenchTokens, p)
			} else if p != "" {
				logger.Printf("warn: config: ignoring short bench token (<16 chars)")
			}
		}
	}
	if len(c.BenchTokens) == 0 { // fallback to single token
		if single := os.Getenv("BENCH_TOKEN"); single != "" {
			if len(single) >= 16 {
				c.BenchTokens = []string{single}
			} else {
				logger.Printf("warn: config: BENCH_TOKEN provided but <16 chars; ignoring")
			}
		}
	}

	positiveInt(logger, "MAX_WORKERS", &c.MaxWorkers)
	positiveInt(logger, "MAX_REQUESTS_PER_WORKER", &c.MaxRequestsPerWorker)
	positiveInt(logger, "MAX_CONCURRENT_RUNS", &c.MaxConcurrentRuns)
	positiveInt(logger, "POOL_PER_WORKER", &c.PoolPerWorker)
	if v := os.Getenv("POOL_SQUARED"); v != "" {
		c.PoolSquared = truthy(v)
	}
	positiveInt(logger, "MAX_POOL_SIZE", &c.MaxPoolSize)

	positiveDuration(logger, "CONNECT_TIMEOUT", &c.ConnectTimeout)
	optionalDuration(logger, "ACQUIRE_TIMEOUT", &c.AcquireTimeout)
	optionalDuration(logger, "READ_TIMEOUT", &c.ReadTimeout)
	optionalDuration(logger, "RUN_TIMEOUT", &c.RunTimeout)

	positiveInt(logger, "MAX_RESPONSE_BYTES", &c.MaxResponseBytes)
	if v := os.Getenv("DEFAULT_CONNECTION"); v != "" {
		switch vl := strings.ToLower(strings.TrimSpace(v)); vl {
		case "keep-alive", "close":
			c.DefaultConnection = vl
		default:
			logger.Printf("warn: config: invalid DEFAULT_CONNECTION=%q (want keep-alive or close)", v)
		}
	}
	positiveInt(logger, "HISTORY_SIZE", &c.HistorySize)

	c.TargetAllowHosts = hostList(os.Getenv("TARGET_ALLOW_HOSTS"))
	c.TargetBlockHosts = hostList(os.Getenv("TARGET_BLOCK_HOSTS"))
	c.TargetAllowFile = strings.TrimSpace(os.Getenv("TARGET_ALLOW_FILE"))
	c.TargetBlockFile = strings.TrimSpace(os.Getenv("TARGET_BLOCK_FILE"))
	if v := os.Getenv("TARGET_BLOCK_PRIVATE"); v != "" {
		c.TargetBlockPrivate = truthy(v)
	}
	optionalDuration(logger, "TARGET_POLICY_REFRESH_INTERVAL", &c.TargetRefresh)
	for _, part := range hostList(os.Getenv("TARGET_ALLOW_PORTS")) {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 65535 {
			logger.Printf("warn: config: ignoring invalid TARGET_ALLOW_PORTS entry %q", part)
			continue
		}
		c.TargetAllowPorts = append(c.TargetAllowPorts, n)
	}
	return c
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	out := c
	if len(c.BenchTokens) > 0 {
		out.BenchTokens = []string{strconv.Itoa(len(c.BenchTokens)) + " token(s) redacted"}
	}
	return out
}

func truthy(v string) bool {
	vl := strings.ToLower(strings.TrimSpace(v))
	return vl == "1" || vl == "true" || vl == "yes" || vl == "on"
}

// hostList splits on commas, semicolons and spaces.
func hostList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		part = strings.TrimSpace(strings.ToLower(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func positiveInt(logger *log.Logger, key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logger.Printf("warn: config: invalid %s=%q, keeping %d", key, v, *dst)
		return
	}
	*dst = n
}

func positiveDuration(logger *log.Logger, key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logger.Printf("warn: config: invalid %s=%q, keeping %s", key, v, *dst)
		return
	}
	*dst = d
}

// optionalDuration accepts 0 to mean "disabled".
func optionalDuration(logger *log.Logger, key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		logger.Printf("warn: config: invalid %s=%q, keeping %s", key, v, *dst)
		return
	}
	*dst = d
}
