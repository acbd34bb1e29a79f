package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-trader/internal/wallet"
)

var (
	testRouter  = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	testWETH    = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	testToken   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testFactory = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	testPair    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// fakeChain is a tiny router/token simulation: one token trades at a fixed
// rate against the native coin.
type fakeChain struct {
	mu sync.Mutex

	rate          int64 // token atoms per native atom
	sellHaircut   int64 // percent lost when quoting token -> native
	noRoute       bool
	transferFails bool
	revert        bool

	tokens    map[common.Address]*big.Int
	allowance *big.Int
	native    *big.Int
	nonce     uint64
	sent      []*types.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		rate:      2,
		tokens:    make(map[common.Address]*big.Int),
		allowance: new(big.Int),
		native:    new(big.Int),
	}
}

func is(data []byte, contract abi.ABI, method string) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], contract.Methods[method].ID)
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data := msg.Data
	switch {
	case is(data, routerABI, "getAmountsOut"):
		if f.noRoute {
			return nil, errors.New("execution reverted: INSUFFICIENT_LIQUIDITY")
		}
		args, err := routerABI.Methods["getAmountsOut"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		in := args[0].(*big.Int)
		path := args[1].([]common.Address)
		out := new(big.Int)
		if path[0] == testWETH {
			out.Mul(in, big.NewInt(f.rate))
		} else {
			out.Div(in, big.NewInt(f.rate))
			out.Mul(out, big.NewInt(100-f.sellHaircut))
			out.Div(out, big.NewInt(100))
		}
		return routerABI.Methods["getAmountsOut"].Outputs.Pack([]*big.Int{in, out})
	case is(data, routerABI, "factory"):
		return routerABI.Methods["factory"].Outputs.Pack(testFactory)
	case is(data, factoryABI, "getPair"):
		return factoryABI.Methods["getPair"].Outputs.Pack(testPair)
	case is(data, erc20ABI, "decimals"):
		return erc20ABI.Methods["decimals"].Outputs.Pack(uint8(18))
	case is(data, erc20ABI, "balanceOf"):
		args, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		bal := f.tokens[args[0].(common.Address)]
		if bal == nil {
			bal = new(big.Int)
		}
		return erc20ABI.Methods["balanceOf"].Outputs.Pack(bal)
	case is(data, erc20ABI, "allowance"):
		return erc20ABI.Methods["allowance"].Outputs.Pack(f.allowance)
	case is(data, erc20ABI, "transfer"):
		if f.transferFails {
			return nil, errors.New("execution reverted: TRANSFER_BLOCKED")
		}
		return erc20ABI.Methods["transfer"].Outputs.Pack(true)
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	f.sent = append(f.sent, tx)
	if f.revert {
		return nil
	}

	from, err := types.Sender(types.NewEIP155Signer(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	data := tx.Data()
	switch {
	case is(data, routerABI, "swapExactETHForTokensSupportingFeeOnTransferTokens"):
		got := new(big.Int).Mul(tx.Value(), big.NewInt(f.rate))
		f.tokens[from] = new(big.Int).Add(balanceOrZero(f.tokens[from]), got)
	case is(data, routerABI, "swapExactTokensForETHSupportingFeeOnTransferTokens"):
		args, err := routerABI.Methods["swapExactTokensForETHSupportingFeeOnTransferTokens"].Inputs.Unpack(data[4:])
		if err != nil {
			return err
		}
		in := args[0].(*big.Int)
		f.tokens[from] = new(big.Int).Sub(balanceOrZero(f.tokens[from]), in)
		f.native.Add(f.native, new(big.Int).Div(in, big.NewInt(f.rate)))
	case is(data, erc20ABI, "approve"):
		f.allowance = new(big.Int).Set(maxUint256)
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: hash, EffectiveGasPrice: new(big.Int)}, nil
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.native), nil
}

func balanceOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func newTestEVM(t *testing.T, backend Backend) (*EVM, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	ring, err := wallet.NewKeyring([]wallet.KeySpec{{Address: addr, PrivateKey: hex.EncodeToString(crypto.FromECDSA(key))}})
	require.NoError(t, err)

	e, err := NewEVM(EVMOptions{
		ChainID:          1,
		Router:           testRouter.Hex(),
		WETH:             testWETH.Hex(),
		PollInterval:     time.Millisecond,
		ConfirmTimeout:   time.Second,
		MaxRoundTripLoss: decimal.RequireFromString("0.35"),
	}, ring, zerolog.Nop())
	require.NoError(t, err)
	return e.WithBackend(backend), addr
}

func TestEVMBuyAndSell(t *testing.T) {
	fc := newFakeChain()
	e, account := newTestEVM(t, fc)
	ctx := context.Background()

	fill, err := e.Buy(ctx, account, testToken.Hex(), decimal.RequireFromString("0.5"), 300)
	require.NoError(t, err)
	assert.NotEmpty(t, fill.TxID)
	assert.True(t, fill.AmountOut.Equal(decimal.NewFromInt(1)), "got %s", fill.AmountOut)

	bal, err := e.Balance(ctx, account, testToken.Hex())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(1)))

	fill, err = e.Sell(ctx, account, testToken.Hex(), decimal.RequireFromString("0.8"), 300)
	require.NoError(t, err)
	assert.True(t, fill.AmountOut.Equal(decimal.RequireFromString("0.4")), "got %s", fill.AmountOut)
	assert.Len(t, fc.sent, 3, "buy, approve, sell")
}

func TestEVMRevertedSwap(t *testing.T) {
	fc := newFakeChain()
	fc.revert = true
	e, account := newTestEVM(t, fc)

	_, err := e.Buy(context.Background(), account, testToken.Hex(), decimal.RequireFromString("0.5"), 300)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestEVMUnknownAccount(t *testing.T) {
	e, _ := newTestEVM(t, newFakeChain())
	_, err := e.Buy(context.Background(), "0x000000000000000000000000000000000000dEaD", testToken.Hex(), decimal.NewFromInt(1), 300)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestEVMProbe(t *testing.T) {
	ctx := context.Background()
	spend := decimal.RequireFromString("0.01")

	fc := newFakeChain()
	e, account := newTestEVM(t, fc)
	require.NoError(t, e.ProbeSell(ctx, account, testToken.Hex(), spend))

	fc.sellHaircut = 50
	assert.ErrorIs(t, e.ProbeSell(ctx, account, testToken.Hex(), spend), ErrNotResellable)

	fc.sellHaircut = 0
	fc.transferFails = true
	assert.ErrorIs(t, e.ProbeSell(ctx, account, testToken.Hex(), spend), ErrNotResellable)

	fc.noRoute = true
	assert.ErrorIs(t, e.ProbeSell(ctx, account, testToken.Hex(), spend), ErrNoRoute)
	assert.Empty(t, fc.sent, "probe never broadcasts")
}

// timeoutChain is a node that never answers in time.
type timeoutChain struct{}

func (timeoutChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, context.DeadlineExceeded
}

func (timeoutChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, context.DeadlineExceeded
}

func (timeoutChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return nil, context.DeadlineExceeded
}

func (timeoutChain) SendTransaction(context.Context, *types.Transaction) error {
	return context.DeadlineExceeded
}

func (timeoutChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, context.DeadlineExceeded
}

func (timeoutChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return nil, context.DeadlineExceeded
}

func TestEVMProbeTimeoutIsNotAVerdict(t *testing.T) {
	e, account := newTestEVM(t, timeoutChain{})

	err := e.ProbeSell(context.Background(), account, testToken.Hex(), decimal.RequireFromString("0.01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrNoRoute)
	assert.NotErrorIs(t, err, ErrNotResellable)

	_, err = e.Balance(context.Background(), account, testToken.Hex())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type revertData struct{ msg string }

func (r revertData) Error() string          { return r.msg }
func (r revertData) ErrorData() interface{} { return "0x08c379a0" }

func TestReverted(t *testing.T) {
	assert.True(t, reverted(errors.New("execution reverted: INSUFFICIENT_LIQUIDITY")))
	assert.True(t, reverted(fmt.Errorf("call: %w", revertData{msg: "VM Exception while processing transaction"})))
	assert.False(t, reverted(context.DeadlineExceeded))
	assert.False(t, reverted(errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")))
	assert.False(t, reverted(errors.New("503 Service Unavailable")))
}

func TestSlippageAndAtoms(t *testing.T) {
	assert.True(t, applySlippage(decimal.NewFromInt(1000), 300).Equal(decimal.NewFromInt(970)))
	assert.True(t, applySlippage(decimal.NewFromInt(1000), 10000).IsZero())
	assert.Equal(t, "1500000000000000000", toAtoms(decimal.RequireFromString("1.5"), 18).String())
	assert.True(t, fromAtoms(big.NewInt(1234), 3).Equal(decimal.RequireFromString("1.234")))

	_, err := RequireTxID(Fill{})
	assert.ErrorIs(t, err, ErrNoTxID)
}
