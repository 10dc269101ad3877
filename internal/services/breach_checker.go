package services

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/aegis/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// BreachChecker reports whether a password appears in a known-breach corpus.
type BreachChecker interface {
	IsBreached(ctx context.Context, password string) (bool, error)
}

type BreachCheckerConfig struct {
	// APIURL is the range endpoint; the five-character hash prefix is appended.
	APIURL         string
	Timeout        time.Duration
	CacheSize      int
	RequestsPerSec float64
	HTTPClient     *http.Client
}

// RangeBreachChecker queries a k-anonymity range API: only the first five
// hex characters of the password's SHA-1 leave the process. Range
// responses are cached per prefix and outbound calls are throttled.
type RangeBreachChecker struct {
	client  *http.Client
	apiURL  string
	timeout time.Duration
	cache   *lru.Cache[string, map[string]int]
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewRangeBreachChecker(cfg BreachCheckerConfig, logger *slog.Logger) (*RangeBreachChecker, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	cache, err := lru.New[string, map[string]int](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create breach cache: %w", err)
	}

	return &RangeBreachChecker{
		client:  cfg.HTTPClient,
		apiURL:  strings.TrimSuffix(cfg.APIURL, "/") + "/",
		timeout: cfg.Timeout,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(int(cfg.RequestsPerSec), 1)),
		logger:  loggerOrDefault(logger),
	}, nil
}

// IsBreached looks up password. The call is bounded by the configured
// timeout and returns an error rather than blocking past it.
func (c *RangeBreachChecker) IsBreached(ctx context.Context, password string) (bool, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	if suffixes, ok := c.cache.Get(prefix); ok {
		return suffixes[suffix] > 0, nil
	}

	start := time.Now()
	suffixes, err := c.fetchRange(ctx, prefix)
	if err != nil {
		metrics.BreachLookupDurationSeconds.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return false, err
	}
	metrics.BreachLookupDurationSeconds.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	c.cache.Add(prefix, suffixes)
	return suffixes[suffix] > 0, nil
}

func (c *RangeBreachChecker) fetchRange(ctx context.Context, prefix string) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("breach lookup throttled: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build breach request: %w", err)
	}
	req.Header.Set("Add-Padding", "true")
	req.Header.Set("User-Agent", "aegis-password-policy")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("breach lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("breach lookup returned status %d", resp.StatusCode)
	}

	suffixes := make(map[string]int)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		hashSuffix, countStr, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			continue
		}
		// Padding entries carry a zero count.
		if count > 0 {
			suffixes[strings.ToUpper(hashSuffix)] = count
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read breach response: %w", err)
	}

	return suffixes, nil
}
