package chain

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"whale-mirror/internal/logging"
)

const erc20ABIJSON = `[
{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Token describes an ERC-20 asset.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

var (
	usdcAddress = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	usdtAddress = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	daiAddress  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

var knownTokens = map[common.Address]Token{
	WETHAddress: {Address: WETHAddress, Symbol: "WETH", Decimals: 18},
	usdcAddress: {Address: usdcAddress, Symbol: "USDC", Decimals: 6},
	usdtAddress: {Address: usdtAddress, Symbol: "USDT", Decimals: 6},
	daiAddress:  {Address: daiAddress, Symbol: "DAI", Decimals: 18},
}

// KnownToken looks up a well-known mainnet token by symbol, case-insensitively.
func KnownToken(symbol string) (Token, bool) {
	for _, token := range knownTokens {
		if strings.EqualFold(token.Symbol, symbol) {
			return token, true
		}
	}
	return Token{}, false
}

// TokenResolver resolves and caches ERC-20 metadata. Unknown or non-compliant
// tokens resolve to symbol "UNKNOWN" with 18 decimals.
type TokenResolver struct {
	caller ContractCaller
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[common.Address]Token
}

// NewTokenResolver builds a resolver seeded with well-known mainnet tokens.
func NewTokenResolver(caller ContractCaller, logger zerolog.Logger) *TokenResolver {
	cache := make(map[common.Address]Token, len(knownTokens))
	for addr, token := range knownTokens {
		cache[addr] = token
	}
	return &TokenResolver{
		caller: caller,
		logger: logging.Component(logger, "token_resolver"),
		cache:  cache,
	}
}

// Resolve returns metadata for the token at addr.
func (r *TokenResolver) Resolve(ctx context.Context, addr common.Address) Token {
	r.mu.Lock()
	token, ok := r.cache[addr]
	r.mu.Unlock()
	if ok {
		return token
	}

	token = Token{Address: addr, Symbol: "UNKNOWN", Decimals: 18}
	if r.caller != nil {
		if symbol, err := r.callSymbol(ctx, addr); err == nil && symbol != "" {
			token.Symbol = strings.ToUpper(symbol)
		} else if err != nil {
			r.logger.Debug().Err(err).Str("token", addr.Hex()).Msg("symbol lookup failed")
		}
		if decimals, err := r.callDecimals(ctx, addr); err == nil {
			token.Decimals = decimals
		} else {
			r.logger.Debug().Err(err).Str("token", addr.Hex()).Msg("decimals lookup failed")
		}
	}

	r.mu.Lock()
	r.cache[addr] = token
	r.mu.Unlock()
	return token
}

func (r *TokenResolver) callSymbol(ctx context.Context, addr common.Address) (string, error) {
	out, err := r.call(ctx, addr, "symbol")
	if err != nil {
		return "", err
	}
	symbol, _ := out[0].(string)
	return symbol, nil
}

func (r *TokenResolver) callDecimals(ctx context.Context, addr common.Address) (uint8, error) {
	out, err := r.call(ctx, addr, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, errUnexpectedOutput
	}
	return decimals, nil
}

func (r *TokenResolver) call(ctx context.Context, addr common.Address, method string) ([]interface{}, error) {
	payload, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := r.caller.CallContract(ctx, addr, payload)
	if err != nil {
		return nil, err
	}
	out, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, errUnexpectedOutput
	}
	return out, nil
}
