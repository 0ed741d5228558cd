// Package erc20 reads token balances and allowances and builds approval
// intents for the deposit flows.
package erc20

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/txflow"
)

const abiJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"Approval","inputs":[{"name":"owner","type":"address","indexed":true},{"name":"spender","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var parsedABI = mustParse()

func mustParse() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ABI returns the token contract ABI.
func ABI() *abi.ABI {
	return &parsedABI
}

// Token is a read surface over one ERC-20 contract.
type Token struct {
	reader chain.Reader
	addr   common.Address
}

func NewToken(reader chain.Reader, addr common.Address) *Token {
	return &Token{reader: reader, addr: addr}
}

func (t *Token) Address() common.Address {
	return t.addr
}

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := t.reader.Call(ctx, t.addr, &parsedABI, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("erc20: balanceOf: %w", err)
	}
	return toBig(out[0])
}

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := t.reader.Call(ctx, t.addr, &parsedABI, "allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("erc20: allowance: %w", err)
	}
	return toBig(out[0])
}

func (t *Token) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.reader.Call(ctx, t.addr, &parsedABI, "decimals")
	if err != nil {
		return 0, fmt.Errorf("erc20: decimals: %w", err)
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("erc20: decimals: unexpected type %T", out[0])
	}
	return d, nil
}

func (t *Token) Symbol(ctx context.Context) (string, error) {
	out, err := t.reader.Call(ctx, t.addr, &parsedABI, "symbol")
	if err != nil {
		return "", fmt.Errorf("erc20: symbol: %w", err)
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("erc20: symbol: unexpected type %T", out[0])
	}
	return s, nil
}

// ApproveIntent builds the mutation that grants spender the given
// allowance on this token.
func ApproveIntent(spender common.Address, amount *big.Int) txflow.Intent {
	return txflow.NewIntent("approve", spender, amount)
}

func toBig(v any) (*big.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("erc20: unexpected return type %T", v)
	}
	return b, nil
}
