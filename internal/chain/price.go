package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/logging"
)

const aggregatorABIJSON = `[{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]}]`

const (
	feedDecimals  = 8
	priceCacheTTL = 60 * time.Second
)

var (
	errUnexpectedOutput = errors.New("chain: unexpected contract output")

	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// PriceSource provides the ETH/USD rate used for unit conversion.
type PriceSource interface {
	ETHUSD(ctx context.Context) (float64, error)
}

// StaticPrice is a fixed ETH/USD approximation.
type StaticPrice float64

// ETHUSD returns the fixed rate.
func (p StaticPrice) ETHUSD(context.Context) (float64, error) {
	return float64(p), nil
}

// FeedPrice reads ETH/USD from a Chainlink aggregator, caching the answer for a
// minute and falling back to a static rate when the feed is unreachable.
type FeedPrice struct {
	caller   ContractCaller
	feed     common.Address
	fallback float64
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	cached    float64
	fetchedAt time.Time
}

// NewFeedPrice builds a feed-backed price source.
func NewFeedPrice(caller ContractCaller, feed common.Address, fallback float64, logger zerolog.Logger) *FeedPrice {
	return &FeedPrice{
		caller:   caller,
		feed:     feed,
		fallback: fallback,
		logger:   logging.Component(logger, "eth_usd_feed"),
		now:      time.Now,
	}
}

// ETHUSD returns the latest feed answer.
func (p *FeedPrice) ETHUSD(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached > 0 && p.now().Sub(p.fetchedAt) < priceCacheTTL {
		return p.cached, nil
	}

	price, err := p.latest(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Float64("fallback", p.fallback).Msg("eth/usd feed unavailable")
		if p.cached > 0 {
			return p.cached, nil
		}
		return p.fallback, nil
	}

	p.cached = price
	p.fetchedAt = p.now()
	return price, nil
}

func (p *FeedPrice) latest(ctx context.Context) (float64, error) {
	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return 0, err
	}
	res, err := p.caller.CallContract(ctx, p.feed, payload)
	if err != nil {
		return 0, err
	}
	out, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return 0, err
	}
	if len(out) != 5 {
		return 0, errUnexpectedOutput
	}
	answer, ok := out[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return 0, errUnexpectedOutput
	}
	return decimal.NewFromBigInt(answer, -feedDecimals).InexactFloat64(), nil
}

var (
	_ PriceSource = StaticPrice(0)
	_ PriceSource = (*FeedPrice)(nil)
)
