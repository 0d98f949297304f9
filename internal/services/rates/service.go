// Package rates provides the advisory fiat exchange rate used to annotate
// payment records. Rates never affect ledger amounts already submitted.
package rates

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cryp2real/pixledger/pkg/logger"
)

// weiPerCoin is the number of smallest units in one native coin.
var weiPerCoin = new(big.Float).SetFloat64(1e18)

// Rate is one observed exchange rate: fiat units per native coin.
type Rate struct {
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Service caches rate observations and serves conversions. A fresh fetch is
// attempted when the cached value exceeds its maximum age; on fetch failure a
// stale value is served rather than none at all.
type Service struct {
	fetcher Fetcher
	maxAge  time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	cached Rate
}

// New constructs a rate service.
func New(fetcher Fetcher, maxAge time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rates")
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &Service{
		fetcher: fetcher,
		maxAge:  maxAge,
		log:     log,
	}
}

// Current returns the freshest rate available. The cached value is reused
// within its maximum age; beyond that a refetch is attempted, falling back to
// the stale value when the source is unreachable.
func (s *Service) Current(ctx context.Context) (Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cached.FetchedAt.IsZero() && time.Since(s.cached.FetchedAt) < s.maxAge {
		return s.cached, nil
	}

	value, source, err := s.fetcher.Fetch(ctx)
	if err != nil {
		if !s.cached.FetchedAt.IsZero() {
			s.log.WithError(err).Warn("rate refresh failed, serving stale value")
			return s.cached, nil
		}
		return Rate{}, fmt.Errorf("fetch rate: %w", err)
	}

	s.cached = Rate{
		Value:     value,
		Source:    source,
		FetchedAt: time.Now().UTC(),
	}
	return s.cached, nil
}

// FiatToWei converts a fiat amount to the smallest native unit using the
// given rate, truncating any sub-unit remainder.
func FiatToWei(fiat float64, rate Rate) (*big.Int, error) {
	if fiat <= 0 {
		return nil, fmt.Errorf("amount %v is not positive", fiat)
	}
	if rate.Value <= 0 {
		return nil, fmt.Errorf("rate %v is not positive", rate.Value)
	}
	coins := new(big.Float).Quo(new(big.Float).SetFloat64(fiat), new(big.Float).SetFloat64(rate.Value))
	wei := new(big.Float).Mul(coins, weiPerCoin)
	out, _ := wei.Int(nil)
	if out.Sign() <= 0 {
		return nil, fmt.Errorf("amount %v converts to zero at rate %v", fiat, rate.Value)
	}
	return out, nil
}

// WeiToFiat annotates a native amount with its fiat equivalent at the given
// rate. Advisory only.
func WeiToFiat(wei *big.Int, rate Rate) float64 {
	if wei == nil || rate.Value <= 0 {
		return 0
	}
	coins := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerCoin)
	fiat := new(big.Float).Mul(coins, new(big.Float).SetFloat64(rate.Value))
	out, _ := fiat.Float64()
	return out
}
