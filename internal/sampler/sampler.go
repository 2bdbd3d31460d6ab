// Package sampler aggregates per-address DEX router activity over block ranges.
package sampler

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-mirror/internal/chain"
	"whale-mirror/internal/logging"
)

// AddressStats aggregates router-bound activity for one sender.
type AddressStats struct {
	TradeCount int
	ETHVolume  decimal.Decimal
}

// Result is the outcome of a sampling pass. With Stride > 1 counts are an
// approximation of the range's true activity, not a hard count.
type Result struct {
	Stats           map[string]*AddressStats
	BlocksProcessed int
	BlocksFailed    int
	Stride          uint64
}

// RouterSet is a case-insensitive set of router addresses.
type RouterSet map[common.Address]struct{}

// NewRouterSet parses hex addresses, ignoring blanks.
func NewRouterSet(addresses ...string) RouterSet {
	set := make(RouterSet, len(addresses))
	for _, raw := range addresses {
		raw = strings.TrimSpace(raw)
		if raw == "" || !common.IsHexAddress(raw) {
			continue
		}
		set[common.HexToAddress(raw)] = struct{}{}
	}
	return set
}

// Contains reports whether addr is a monitored router.
func (s RouterSet) Contains(addr *common.Address) bool {
	if addr == nil {
		return false
	}
	_, ok := s[*addr]
	return ok
}

// Sampler walks block ranges through a chain.Reader.
type Sampler struct {
	reader chain.Reader
	logger zerolog.Logger
}

// New constructs a sampler over reader.
func New(reader chain.Reader, logger zerolog.Logger) *Sampler {
	return &Sampler{reader: reader, logger: logging.Component(logger, "sampler")}
}

// Sample iterates start, start+stride, ... up to and including end. Block fetch
// failures are logged and counted, never returned. The only error is context
// cancellation, in which case the partial result is still returned.
func (s *Sampler) Sample(ctx context.Context, start, end uint64, routers RouterSet, stride uint64) (Result, error) {
	if stride == 0 {
		stride = 1
	}
	res := Result{Stats: make(map[string]*AddressStats), Stride: stride}
	if start > end {
		return res, nil
	}

	for number := start; number <= end; number += stride {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		block, err := s.reader.GetBlock(ctx, number, true)
		if err != nil {
			res.BlocksFailed++
			s.logger.Debug().Err(err).Uint64("block", number).Msg("skip block")
			continue
		}
		res.BlocksProcessed++

		for _, tx := range block.Transactions {
			if !routers.Contains(tx.To) {
				continue
			}
			key := strings.ToLower(tx.From.Hex())
			stats, ok := res.Stats[key]
			if !ok {
				stats = &AddressStats{ETHVolume: decimal.Zero}
				res.Stats[key] = stats
			}
			stats.TradeCount++
			stats.ETHVolume = stats.ETHVolume.Add(chain.WeiToEther(tx.Value))
		}

		if number > end-stride {
			break
		}
	}

	s.logger.Debug().
		Uint64("start", start).
		Uint64("end", end).
		Uint64("stride", stride).
		Int("processed", res.BlocksProcessed).
		Int("failed", res.BlocksFailed).
		Int("addresses", len(res.Stats)).
		Msg("sampling complete")
	return res, nil
}

// Range returns [height-blocksBack, height], clamped at genesis.
func Range(height, blocksBack uint64) (uint64, uint64) {
	if blocksBack > height {
		return 0, height
	}
	return height - blocksBack, height
}
