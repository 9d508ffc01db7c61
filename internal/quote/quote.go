// Package quote fetches USD spot prices for the supported cryptocurrencies
// from a CoinGecko-compatible API and caches them with a short TTL.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/shopspring/decimal"
)

// coinIDs maps wallet currencies to CoinGecko coin identifiers.
var coinIDs = map[domain.Currency]string{
	domain.CurrencyBTC: "bitcoin",
	domain.CurrencyETH: "ethereum",
	domain.CurrencyLTC: "litecoin",
	domain.CurrencyADA: "cardano",
	domain.CurrencyDOT: "polkadot",
}

// fallbackPrices are used when the feed has never succeeded and there is no
// stale cache entry to serve. Conversions stay available so wagering never
// hard-fails on a feed outage.
var fallbackPrices = map[domain.Currency]decimal.Decimal{
	domain.CurrencyBTC: decimal.NewFromInt(45000),
	domain.CurrencyETH: decimal.NewFromInt(3000),
	domain.CurrencyLTC: decimal.NewFromInt(100),
	domain.CurrencyADA: decimal.NewFromFloat(0.5),
	domain.CurrencyDOT: decimal.NewFromInt(7),
}

// ──────────────────────────────────────────────────────────────────────────────
// Service
// ──────────────────────────────────────────────────────────────────────────────

// Service fetches and caches USD prices for all supported currencies.
// One upstream request refreshes every currency at once; a fresh cache hit
// never touches the network.
type Service struct {
	client *http.Client
	cfg    *config.QuoteConfig
	log    *slog.Logger

	mu        sync.RWMutex
	cached    map[domain.Currency]decimal.Decimal
	cacheTime time.Time
}

// NewService constructs a quote Service from the given config.
func NewService(cfg *config.Config, log *slog.Logger) *Service {
	return &Service{
		client: &http.Client{Timeout: cfg.Quote.FetchTimeout},
		cfg:    &cfg.Quote,
		log:    log.With("component", "quote"),
		cached: make(map[domain.Currency]decimal.Decimal),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Public API
// ──────────────────────────────────────────────────────────────────────────────

// GetPrice returns the current USD price for a single currency.
// See GetAll for the cache and fallback behaviour.
func (s *Service) GetPrice(ctx context.Context, cur domain.Currency) (decimal.Decimal, error) {
	if !cur.IsValid() {
		return decimal.Zero, domain.ErrUnsupportedCurrency
	}
	prices, err := s.GetAll(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return prices[cur], nil
}

// GetAll returns USD prices for every supported currency.
//
// Resolution order:
//  1. fresh cache (< CacheTTL old) — returned without a network call
//  2. live fetch — refreshes the cache for all currencies
//  3. stale cache — served when the fetch fails but an old value exists
//  4. hard-coded fallbacks — when the feed has never succeeded
//
// The method never returns an error in practice; the signature keeps room for
// stricter modes.
func (s *Service) GetAll(ctx context.Context) (map[domain.Currency]decimal.Decimal, error) {
	// ── Cache check ──────────────────────────────────────────────────────────
	s.mu.RLock()
	if !s.cacheTime.IsZero() && time.Since(s.cacheTime) < s.cfg.CacheTTL {
		out := clonePrices(s.cached)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	// ── Live fetch ───────────────────────────────────────────────────────────
	fetched, err := s.fetchAll(ctx)
	if err == nil {
		s.mu.Lock()
		// Currencies the feed dropped keep their previous value, or the
		// hard-coded fallback when none exists.
		for cur := range coinIDs {
			if _, ok := fetched[cur]; ok {
				continue
			}
			if prev, ok := s.cached[cur]; ok {
				fetched[cur] = prev
			} else {
				fetched[cur] = fallbackPrices[cur]
			}
		}
		s.cached = fetched
		s.cacheTime = time.Now()
		out := clonePrices(s.cached)
		s.mu.Unlock()
		return out, nil
	}

	// ── Stale cache, then fallbacks ──────────────────────────────────────────
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.cached) > 0 {
		s.log.Warn("quote fetch failed, serving stale cache",
			"error", err, "age", time.Since(s.cacheTime).String())
		return clonePrices(s.cached), nil
	}

	s.log.Warn("quote fetch failed with empty cache, serving fallback prices", "error", err)
	return clonePrices(fallbackPrices), nil
}

// UsdToCrypto converts a USD amount to crypto units at the given price,
// truncated to 8 decimal places.
func UsdToCrypto(usd, price decimal.Decimal) decimal.Decimal {
	return usd.Div(price).Truncate(8)
}

// CryptoToUsd converts a crypto amount to USD at the given price,
// truncated to 2 decimal places.
func CryptoToUsd(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price).Truncate(2)
}

// ──────────────────────────────────────────────────────────────────────────────
// Upstream fetch
// ──────────────────────────────────────────────────────────────────────────────

// fetchAll fetches all supported coins in one request.
//
//	GET /simple/price?ids=bitcoin,ethereum,...&vs_currencies=usd
//	{"bitcoin":{"usd":45123.5},"ethereum":{"usd":3012.12},...}
func (s *Service) fetchAll(ctx context.Context) (map[domain.Currency]decimal.Decimal, error) {
	url := s.cfg.APIURL + "/simple/price?ids=bitcoin,ethereum,litecoin,cardano,polkadot&vs_currencies=usd"
	body, err := s.doGet(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("quote.fetchAll: %w", err)
	}

	var resp map[string]struct {
		USD float64 `json:"usd"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("quote.fetchAll: parse: %w", err)
	}

	// A coin missing from the response degrades that coin alone; the
	// currencies that did parse are kept.
	prices := make(map[domain.Currency]decimal.Decimal, len(coinIDs))
	for cur, id := range coinIDs {
		entry, ok := resp[id]
		if !ok || entry.USD <= 0 {
			s.log.Warn("quote feed missing or invalid price", "coin", id)
			continue
		}
		prices[cur] = decimal.NewFromFloat(entry.USD)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("quote.fetchAll: no usable prices in response")
	}
	return prices, nil
}

// doGet performs an HTTP GET with the service's client and returns the body
// bytes, or an error for any non-200 status code.
func (s *Service) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "evetabi-crash/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func clonePrices(in map[domain.Currency]decimal.Decimal) map[domain.Currency]decimal.Decimal {
	out := make(map[domain.Currency]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
