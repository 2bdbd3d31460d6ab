package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const routerABIJSON = `[
{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"swapExactTokensForETH","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"swapTokensForExactTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountOut","type":"uint256"},{"name":"amountInMax","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"swapExactETHForTokens","type":"function","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"exactInputSingle","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],"outputs":[{"name":"amountOut","type":"uint256"}]},
{"name":"exactInput","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"path","type":"bytes"},{"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"}]}],"outputs":[{"name":"amountOut","type":"uint256"}]}
]`

// WETHAddress is canonical mainnet WETH; native-ETH swaps are attributed to it.
var WETHAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

var (
	// ErrNotSwap marks calldata that is not a recognised router swap.
	ErrNotSwap = errors.New("chain: calldata is not a recognised swap")

	routerABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic("failed to parse router ABI: " + err.Error())
	}
	routerABI = parsed
}

// Swap is a decoded router call. AmountOutMin is the caller's own output
// bound; for exact-output calls it is the requested amount.
type Swap struct {
	Function     string
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	NativeIn     bool
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

type exactInputParams struct {
	Path             []byte
	Recipient        common.Address
	Deadline         *big.Int
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// DecodeSwap decodes router calldata. value is the transaction's ETH value, used
// as the input amount for payable ETH-in swaps.
func DecodeSwap(input []byte, value *big.Int) (Swap, error) {
	if len(input) < 4 {
		return Swap{}, ErrNotSwap
	}
	method, err := routerABI.MethodById(input[:4])
	if err != nil {
		return Swap{}, ErrNotSwap
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return Swap{}, fmt.Errorf("unpack %s: %w", method.Name, err)
	}

	swap := Swap{Function: method.Name}
	switch method.Name {
	case "swapExactTokensForTokens", "swapExactTokensForETH":
		path, ok := args[2].([]common.Address)
		if !ok || len(path) < 2 {
			return Swap{}, fmt.Errorf("%s: invalid path", method.Name)
		}
		swap.AmountIn, _ = args[0].(*big.Int)
		swap.AmountOutMin, _ = args[1].(*big.Int)
		swap.TokenIn, swap.TokenOut = path[0], path[len(path)-1]
	case "swapTokensForExactTokens":
		path, ok := args[2].([]common.Address)
		if !ok || len(path) < 2 {
			return Swap{}, fmt.Errorf("%s: invalid path", method.Name)
		}
		swap.AmountIn, _ = args[1].(*big.Int)
		swap.AmountOutMin, _ = args[0].(*big.Int)
		swap.TokenIn, swap.TokenOut = path[0], path[len(path)-1]
	case "swapExactETHForTokens":
		path, ok := args[1].([]common.Address)
		if !ok || len(path) < 2 {
			return Swap{}, fmt.Errorf("%s: invalid path", method.Name)
		}
		swap.AmountIn = value
		swap.AmountOutMin, _ = args[0].(*big.Int)
		swap.NativeIn = true
		swap.TokenIn, swap.TokenOut = WETHAddress, path[len(path)-1]
	case "exactInputSingle":
		params, ok := abi.ConvertType(args[0], new(exactInputSingleParams)).(*exactInputSingleParams)
		if !ok {
			return Swap{}, fmt.Errorf("%s: unexpected params", method.Name)
		}
		swap.TokenIn, swap.TokenOut, swap.AmountIn = params.TokenIn, params.TokenOut, params.AmountIn
		swap.AmountOutMin = params.AmountOutMinimum
	case "exactInput":
		params, ok := abi.ConvertType(args[0], new(exactInputParams)).(*exactInputParams)
		if !ok {
			return Swap{}, fmt.Errorf("%s: unexpected params", method.Name)
		}
		// path is tokenIn | fee(3) | token | ... | tokenOut
		if len(params.Path) < 2*common.AddressLength+3 {
			return Swap{}, fmt.Errorf("%s: path too short", method.Name)
		}
		swap.TokenIn = common.BytesToAddress(params.Path[:common.AddressLength])
		swap.TokenOut = common.BytesToAddress(params.Path[len(params.Path)-common.AddressLength:])
		swap.AmountIn = params.AmountIn
		swap.AmountOutMin = params.AmountOutMinimum
	default:
		return Swap{}, ErrNotSwap
	}

	if swap.AmountIn == nil {
		swap.AmountIn = new(big.Int)
	}
	if swap.AmountOutMin == nil {
		swap.AmountOutMin = new(big.Int)
	}
	if value != nil && value.Sign() > 0 && swap.TokenIn == WETHAddress {
		swap.NativeIn = true
	}
	return swap, nil
}
