package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// PriceOracle returns the current USD value of one whole unit of an asset.
type PriceOracle interface {
	PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OracleClient fetches spot prices from a coingecko-style endpoint. Fresh
// quotes are cached with a TTL; every successful quote is also kept in a
// never-expiring stale cache so a failing oracle degrades to the last known
// price instead of an error. A circuit breaker keeps a flapping oracle from
// being hammered on every deposit.
type OracleClient struct {
	http    *HttpClient
	ids     map[string]string // asset symbol -> oracle listing id
	fresh   *gocache.Cache
	stale   *gocache.Cache
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewOracleClient(baseURL string, ids map[string]string, ttl time.Duration, log *zap.Logger) *OracleClient {
	return &OracleClient{
		http:  NewHttpClient(baseURL),
		ids:   ids,
		fresh: gocache.New(ttl, 2*ttl),
		stale: gocache.New(gocache.NoExpiration, 0),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "price-oracle",
			Timeout: 30 * time.Second,
		}),
		log: log,
	}
}

func (o *OracleClient) PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if v, ok := o.fresh.Get(symbol); ok {
		return v.(decimal.Decimal), nil
	}

	id, ok := o.ids[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no oracle listing for asset %s", symbol)
	}

	result, err := o.breaker.Execute(func() (any, error) {
		return o.fetch(ctx, id)
	})
	if err != nil {
		if v, ok := o.stale.Get(symbol); ok {
			o.log.Warn("price fetch failed, using stale quote",
				zap.String("asset", symbol), zap.Error(err))
			return v.(decimal.Decimal), nil
		}
		return decimal.Zero, fmt.Errorf("price for %s: %w", symbol, err)
	}

	price := result.(decimal.Decimal)
	o.fresh.Set(symbol, price, gocache.DefaultExpiration)
	o.stale.Set(symbol, price, gocache.NoExpiration)
	return price, nil
}

func (o *OracleClient) fetch(ctx context.Context, id string) (decimal.Decimal, error) {
	body, err := o.http.Get(ctx, fmt.Sprintf("/simple/price?ids=%s&vs_currencies=usd", id))
	if err != nil {
		return decimal.Zero, err
	}

	var quotes map[string]map[string]json.Number
	if err := json.Unmarshal(body, &quotes); err != nil {
		return decimal.Zero, fmt.Errorf("decoding price response: %w", err)
	}
	usd, ok := quotes[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("no usd quote for %s in response", id)
	}
	return decimal.NewFromString(usd.String())
}
