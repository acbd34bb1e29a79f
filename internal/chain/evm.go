package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	routerABIJSON = `[
{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"factory","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactETHForTokensSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForETHSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`
	factoryABIJSON = `[{"inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"name":"getPair","outputs":[{"name":"pair","type":"address"}],"stateMutability":"view","type":"function"}]`
	erc20ABIJSON   = `[
{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

	nativeDecimals = 18
	swapDeadline   = 5 * time.Minute
)

var (
	routerABI  abi.ABI
	factoryABI abi.ABI
	erc20ABI   abi.ABI

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func init() {
	routerABI = mustParseABI("router", routerABIJSON)
	factoryABI = mustParseABI("factory", factoryABIJSON)
	erc20ABI = mustParseABI("erc20", erc20ABIJSON)
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// Backend is the subset of ethclient.Client the EVM swapper uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// KeySource resolves wallet addresses to signing keys.
type KeySource interface {
	Key(address string) (*ecdsa.PrivateKey, error)
}

// EVMOptions parameterise the router-based swapper.
type EVMOptions struct {
	RPCURL         string
	ChainID        int64
	Router         string
	WETH           string
	GasLimit       uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// MaxRoundTripLoss bounds the quoted buy-then-sell loss accepted by the probe.
	MaxRoundTripLoss decimal.Decimal
}

// EVM swaps through a Uniswap-V2 compatible router.
type EVM struct {
	opts   EVMOptions
	keys   KeySource
	logger zerolog.Logger

	router  common.Address
	weth    common.Address
	chainID *big.Int

	clientMux sync.Mutex
	backend   Backend

	decimalsMux sync.Mutex
	decimals    map[common.Address]int32
}

// NewEVM constructs the swapper. The RPC connection is dialled lazily.
func NewEVM(opts EVMOptions, keys KeySource, logger zerolog.Logger) (*EVM, error) {
	if !common.IsHexAddress(opts.Router) || !common.IsHexAddress(opts.WETH) {
		return nil, errors.New("router and weth must be hex addresses")
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = 350000
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &EVM{
		opts:     opts,
		keys:     keys,
		logger:   logger.With().Str("component", "evm_swapper").Logger(),
		router:   common.HexToAddress(opts.Router),
		weth:     common.HexToAddress(opts.WETH),
		chainID:  big.NewInt(opts.ChainID),
		decimals: make(map[common.Address]int32),
	}, nil
}

// WithBackend injects a backend instead of dialling RPCURL.
func (e *EVM) WithBackend(b Backend) *EVM {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()
	e.backend = b
	return e
}

func (e *EVM) getBackend(ctx context.Context) (Backend, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.backend != nil {
		return e.backend, nil
	}
	if e.opts.RPCURL == "" {
		return nil, errors.New("chain rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.backend = client
	return client, nil
}

// Buy implements Swapper.
func (e *EVM) Buy(ctx context.Context, account, token string, spend decimal.Decimal, slippageBps int) (Fill, error) {
	b, err := e.getBackend(ctx)
	if err != nil {
		return Fill{}, err
	}
	key, from, tokenAddr, err := e.resolve(account, token)
	if err != nil {
		return Fill{}, err
	}
	dec, err := e.tokenDecimals(ctx, b, tokenAddr)
	if err != nil {
		return Fill{}, err
	}

	amountIn := toAtoms(spend, nativeDecimals)
	if amountIn.Sign() <= 0 {
		return Fill{}, errors.New("spend rounds to zero")
	}
	path := []common.Address{e.weth, tokenAddr}
	quoted, err := e.amountsOut(ctx, b, amountIn, path)
	if err != nil {
		return Fill{}, err
	}
	minOut := toAtoms(applySlippage(fromAtoms(quoted, 0), slippageBps), 0)

	before, err := e.balanceOf(ctx, b, tokenAddr, from)
	if err != nil {
		return Fill{}, err
	}

	data, err := routerABI.Pack("swapExactETHForTokensSupportingFeeOnTransferTokens", minOut, path, from, e.deadline())
	if err != nil {
		return Fill{}, err
	}
	receipt, err := e.transact(ctx, b, key, from, e.router, amountIn, data)
	if err != nil {
		return Fill{}, err
	}

	after, err := e.balanceOf(ctx, b, tokenAddr, from)
	if err != nil {
		return Fill{}, fmt.Errorf("read balance after buy %s: %w", receipt.TxHash.Hex(), err)
	}
	received := new(big.Int).Sub(after, before)

	return RequireTxID(Fill{
		TxID:      receipt.TxHash.Hex(),
		AmountIn:  spend,
		AmountOut: fromAtoms(received, dec),
	})
}

// Sell implements Swapper.
func (e *EVM) Sell(ctx context.Context, account, token string, amount decimal.Decimal, slippageBps int) (Fill, error) {
	b, err := e.getBackend(ctx)
	if err != nil {
		return Fill{}, err
	}
	key, from, tokenAddr, err := e.resolve(account, token)
	if err != nil {
		return Fill{}, err
	}
	dec, err := e.tokenDecimals(ctx, b, tokenAddr)
	if err != nil {
		return Fill{}, err
	}

	amountIn := toAtoms(amount, dec)
	if amountIn.Sign() <= 0 {
		return Fill{}, errors.New("sell amount rounds to zero")
	}
	path := []common.Address{tokenAddr, e.weth}
	quoted, err := e.amountsOut(ctx, b, amountIn, path)
	if err != nil {
		return Fill{}, err
	}
	minOut := toAtoms(applySlippage(fromAtoms(quoted, 0), slippageBps), 0)

	if err := e.ensureAllowance(ctx, b, key, from, tokenAddr, amountIn); err != nil {
		return Fill{}, err
	}

	before, err := b.BalanceAt(ctx, from, nil)
	if err != nil {
		return Fill{}, fmt.Errorf("native balance: %w", err)
	}

	data, err := routerABI.Pack("swapExactTokensForETHSupportingFeeOnTransferTokens", amountIn, minOut, path, from, e.deadline())
	if err != nil {
		return Fill{}, err
	}
	receipt, err := e.transact(ctx, b, key, from, e.router, nil, data)
	if err != nil {
		return Fill{}, err
	}

	after, err := b.BalanceAt(ctx, from, nil)
	if err != nil {
		return Fill{}, fmt.Errorf("read balance after sell %s: %w", receipt.TxHash.Hex(), err)
	}
	proceeds := new(big.Int).Sub(after, before)
	proceeds.Add(proceeds, gasCost(receipt))

	return RequireTxID(Fill{
		TxID:      receipt.TxHash.Hex(),
		AmountIn:  amount,
		AmountOut: fromAtoms(proceeds, nativeDecimals),
	})
}

// ProbeSell implements Swapper. It quotes a buy-then-sell round trip and
// simulates a token transfer out of the pair towards the router.
func (e *EVM) ProbeSell(ctx context.Context, account, token string, spend decimal.Decimal) error {
	b, err := e.getBackend(ctx)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(token) {
		return fmt.Errorf("invalid token address %q", token)
	}
	tokenAddr := common.HexToAddress(token)

	amountIn := toAtoms(spend, nativeDecimals)
	if amountIn.Sign() <= 0 {
		return errors.New("probe spend rounds to zero")
	}
	tokensOut, err := e.amountsOut(ctx, b, amountIn, []common.Address{e.weth, tokenAddr})
	if err != nil {
		return err
	}
	if tokensOut.Sign() <= 0 {
		return ErrNoRoute
	}
	back, err := e.amountsOut(ctx, b, tokensOut, []common.Address{tokenAddr, e.weth})
	if errors.Is(err, ErrNoRoute) {
		return fmt.Errorf("%w: resale quote: %v", ErrNotResellable, err)
	}
	if err != nil {
		return err
	}

	loss := decimal.NewFromInt(1).Sub(decimal.NewFromBigInt(back, 0).Div(decimal.NewFromBigInt(amountIn, 0)))
	if e.opts.MaxRoundTripLoss.IsPositive() && loss.GreaterThan(e.opts.MaxRoundTripLoss) {
		return fmt.Errorf("%w: round trip loses %s", ErrNotResellable, loss.StringFixed(4))
	}

	pair, err := e.pairFor(ctx, b, tokenAddr)
	if err != nil {
		return err
	}
	data, err := erc20ABI.Pack("transfer", e.router, tokensOut)
	if err != nil {
		return err
	}
	res, err := b.CallContract(ctx, ethereum.CallMsg{From: pair, To: &tokenAddr, Data: data}, nil)
	if err != nil {
		if reverted(err) {
			return fmt.Errorf("%w: transfer simulation: %v", ErrNotResellable, err)
		}
		return fmt.Errorf("transfer simulation: %w", err)
	}
	if len(res) > 0 {
		outputs, err := erc20ABI.Unpack("transfer", res)
		if err == nil && len(outputs) == 1 {
			if ok, isBool := outputs[0].(bool); isBool && !ok {
				return fmt.Errorf("%w: transfer simulation returned false", ErrNotResellable)
			}
		}
	}
	return nil
}

// Balance implements Swapper.
func (e *EVM) Balance(ctx context.Context, account, token string) (decimal.Decimal, error) {
	b, err := e.getBackend(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !common.IsHexAddress(account) || !common.IsHexAddress(token) {
		return decimal.Decimal{}, errors.New("account and token must be hex addresses")
	}
	tokenAddr := common.HexToAddress(token)
	dec, err := e.tokenDecimals(ctx, b, tokenAddr)
	if err != nil {
		return decimal.Decimal{}, err
	}
	raw, err := e.balanceOf(ctx, b, tokenAddr, common.HexToAddress(account))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return fromAtoms(raw, dec), nil
}

func (e *EVM) resolve(account, token string) (*ecdsa.PrivateKey, common.Address, common.Address, error) {
	if !common.IsHexAddress(token) {
		return nil, common.Address{}, common.Address{}, fmt.Errorf("invalid token address %q", token)
	}
	if e.keys == nil {
		return nil, common.Address{}, common.Address{}, ErrUnknownAccount
	}
	key, err := e.keys.Key(account)
	if err != nil {
		return nil, common.Address{}, common.Address{}, fmt.Errorf("%w: %v", ErrUnknownAccount, err)
	}
	return key, common.HexToAddress(account), common.HexToAddress(token), nil
}

func (e *EVM) deadline() *big.Int {
	return big.NewInt(time.Now().Add(swapDeadline).Unix())
}

func (e *EVM) amountsOut(ctx context.Context, b Backend, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := routerABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	res, err := b.CallContract(ctx, ethereum.CallMsg{To: &e.router, Data: data}, nil)
	if err != nil {
		if reverted(err) {
			return nil, fmt.Errorf("%w: %v", ErrNoRoute, err)
		}
		return nil, fmt.Errorf("getAmountsOut: %w", err)
	}
	outputs, err := routerABI.Unpack("getAmountsOut", res)
	if err != nil || len(outputs) != 1 {
		return nil, fmt.Errorf("%w: undecodable getAmountsOut response", ErrNoRoute)
	}
	amounts, ok := outputs[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("%w: unexpected getAmountsOut response", ErrNoRoute)
	}
	return amounts[len(amounts)-1], nil
}

// reverted reports whether a failed eth_call was rejected by the contract.
// Transport and context errors are not reverts and stay retryable.
func reverted(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func (e *EVM) pairFor(ctx context.Context, b Backend, token common.Address) (common.Address, error) {
	data, err := routerABI.Pack("factory")
	if err != nil {
		return common.Address{}, err
	}
	res, err := b.CallContract(ctx, ethereum.CallMsg{To: &e.router, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("router factory: %w", err)
	}
	factory, err := unpackAddress(routerABI, "factory", res)
	if err != nil {
		return common.Address{}, err
	}

	data, err = factoryABI.Pack("getPair", token, e.weth)
	if err != nil {
		return common.Address{}, err
	}
	res, err = b.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("factory getPair: %w", err)
	}
	pair, err := unpackAddress(factoryABI, "getPair", res)
	if err != nil {
		return common.Address{}, err
	}
	if pair == (common.Address{}) {
		return common.Address{}, ErrNoRoute
	}
	return pair, nil
}

func (e *EVM) tokenDecimals(ctx context.Context, b Backend, token common.Address) (int32, error) {
	e.decimalsMux.Lock()
	if d, ok := e.decimals[token]; ok {
		e.decimalsMux.Unlock()
		return d, nil
	}
	e.decimalsMux.Unlock()

	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := b.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("token decimals: %w", err)
	}
	outputs, err := erc20ABI.Unpack("decimals", res)
	if err != nil || len(outputs) != 1 {
		return 0, errors.New("failed to decode decimals output")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	e.decimalsMux.Lock()
	e.decimals[token] = int32(d)
	e.decimalsMux.Unlock()
	return int32(d), nil
}

func (e *EVM) balanceOf(ctx context.Context, b Backend, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	res, err := b.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("token balance: %w", err)
	}
	return unpackUint(erc20ABI, "balanceOf", res)
}

func (e *EVM) ensureAllowance(ctx context.Context, b Backend, key *ecdsa.PrivateKey, owner, token common.Address, need *big.Int) error {
	data, err := erc20ABI.Pack("allowance", owner, e.router)
	if err != nil {
		return err
	}
	res, err := b.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("token allowance: %w", err)
	}
	current, err := unpackUint(erc20ABI, "allowance", res)
	if err != nil {
		return err
	}
	if current.Cmp(need) >= 0 {
		return nil
	}

	data, err = erc20ABI.Pack("approve", e.router, maxUint256)
	if err != nil {
		return err
	}
	receipt, err := e.transact(ctx, b, key, owner, token, nil, data)
	if err != nil {
		return fmt.Errorf("approve router: %w", err)
	}
	e.logger.Info().Str("token", token.Hex()).Str("tx", receipt.TxHash.Hex()).Msg("router approved")
	return nil
}

// transact signs, broadcasts and waits for the receipt of one transaction.
func (e *EVM) transact(ctx context.Context, b Backend, key *ecdsa.PrivateKey, from, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	nonce, err := b.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      e.opts.GasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}

	receipt, err := e.waitMined(ctx, b, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrReverted, signed.Hash().Hex())
	}
	return receipt, nil
}

func (e *EVM) waitMined(ctx context.Context, b Backend, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := b.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed")
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func unpackUint(contract abi.ABI, method string, res []byte) (*big.Int, error) {
	outputs, err := contract.Unpack(method, res)
	if err != nil || len(outputs) != 1 {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}

func unpackAddress(contract abi.ABI, method string, res []byte) (common.Address, error) {
	outputs, err := contract.Unpack(method, res)
	if err != nil || len(outputs) != 1 {
		return common.Address{}, fmt.Errorf("failed to decode %s output", method)
	}
	v, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}

func gasCost(r *types.Receipt) *big.Int {
	if r == nil || r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

func toAtoms(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

func fromAtoms(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

var _ Swapper = (*EVM)(nil)
