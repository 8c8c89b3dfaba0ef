package services

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"custody/agent/internal/config"
)

type rpcReq struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcResp struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const fakeBlockHash = "0xa444b1e4f2e0cc3d93d50c489aca46b04b263f55879688c061cb70daf5b8a0fa"

// fakeRPC serves a canned JSON-RPC chain backend over httptest.
type fakeRPC struct {
	mu           sync.Mutex
	head         uint64
	receipts     map[string]map[string]any
	blocks       map[uint64]map[string]any
	balance      string // native balance, any address
	gasPrice     string
	estimateGas  string
	tokenBalance string // eth_call result
	rawTxs       []string
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		receipts:    map[string]map[string]any{},
		blocks:      map[uint64]map[string]any{},
		balance:     "0x0",
		gasPrice:    "0x3b9aca00", // 1 gwei
		estimateGas: "0xd6d8",     // 55000
	}
}

func (f *fakeRPC) setHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

func (f *fakeRPC) putReceipt(txHash string, blockNumber uint64, status uint64) {
	hash := common.HexToHash(txHash).Hex()
	f.receipts[hash] = map[string]any{
		"transactionHash":   hash,
		"transactionIndex":  "0x0",
		"blockHash":         fakeBlockHash,
		"blockNumber":       fmt.Sprintf("0x%x", blockNumber),
		"from":              "0x0000000000000000000000000000000000000001",
		"to":                "0x0000000000000000000000000000000000000002",
		"cumulativeGasUsed": "0x5208",
		"gasUsed":           "0x5208",
		"contractAddress":   nil,
		"logs":              []any{},
		"logsBloom":         "0x" + strings.Repeat("0", 512),
		"status":            fmt.Sprintf("0x%x", status),
		"effectiveGasPrice": "0x1",
		"type":              "0x0",
	}
}

func (f *fakeRPC) putBlock(n uint64, txs []map[string]any) {
	f.blocks[n] = map[string]any{
		"number":           fmt.Sprintf("0x%x", n),
		"hash":             fakeBlockHash,
		"parentHash":       fmt.Sprintf("0x%064x", n-1),
		"nonce":            "0x0000000000000000",
		"sha3Uncles":       "0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347",
		"logsBloom":        "0x" + strings.Repeat("0", 512),
		"transactionsRoot": fakeBlockHash,
		"stateRoot":        fakeBlockHash,
		"receiptsRoot":     fakeBlockHash,
		"miner":            "0x0000000000000000000000000000000000000000",
		"difficulty":       "0x0",
		"totalDifficulty":  "0x0",
		"extraData":        "0x",
		"size":             "0x0",
		"gasLimit":         "0x0",
		"gasUsed":          "0x0",
		"timestamp":        "0x0",
		"transactions":     txs,
		"uncles":           []any{},
		"baseFeePerGas":    "0x0",
	}
}

func (f *fakeRPC) sentTxs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rawTxs...)
}

func (f *fakeRPC) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	write := func(res rpcResp) {
		res.JSONRPC = "2.0"
		res.ID = req.ID
		_ = json.NewEncoder(w).Encode(res)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch req.Method {
	case "eth_blockNumber":
		write(rpcResp{Result: fmt.Sprintf("0x%x", f.head)})

	case "eth_getTransactionReceipt":
		hash, _ := req.Params[0].(string)
		rcpt, ok := f.receipts[common.HexToHash(hash).Hex()]
		if !ok {
			write(rpcResp{Result: nil})
			return
		}
		write(rpcResp{Result: rcpt})

	case "eth_getBlockByNumber":
		numArg, _ := req.Params[0].(string)
		n, _ := hexutil.DecodeUint64(numArg)
		blk, ok := f.blocks[n]
		if !ok {
			write(rpcResp{Error: &rpcError{Code: -32000, Message: "unknown block"}})
			return
		}
		write(rpcResp{Result: blk})

	case "eth_getBalance":
		write(rpcResp{Result: f.balance})

	case "eth_getTransactionCount":
		write(rpcResp{Result: "0x0"})

	case "eth_gasPrice":
		write(rpcResp{Result: f.gasPrice})

	case "eth_estimateGas":
		write(rpcResp{Result: f.estimateGas})

	case "eth_call":
		write(rpcResp{Result: f.tokenBalance})

	case "net_version":
		write(rpcResp{Result: "1"})

	case "eth_sendRawTransaction":
		raw, _ := req.Params[0].(string)
		f.rawTxs = append(f.rawTxs, raw)
		write(rpcResp{Result: fakeBlockHash})

	default:
		write(rpcResp{Error: &rpcError{Code: -32601, Message: "method not found"}})
	}
}

func newRPCServer(t *testing.T, f *fakeRPC) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.serveRPC))
	t.Cleanup(srv.Close)
	return srv
}

type signingKeyStore struct {
	key *ecdsa.PrivateKey
}

func newSigningKeyStore(t *testing.T) *signingKeyStore {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &signingKeyStore{key: key}
}

func (s *signingKeyStore) CreateKey(ctx context.Context) (string, error) {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex(), nil
}

func (s *signingKeyStore) HasKey(ctx context.Context, address string) bool { return true }

func (s *signingKeyStore) SignTx(ctx context.Context, address string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
}

func TestIsConfirmed_DepthArithmetic(t *testing.T) {
	f := newFakeRPC()
	f.putReceipt("0xabc", 100, 1)
	broker := NewChainBroker(newRPCServer(t, f).URL, newSigningKeyStore(t), nil)
	ctx := context.Background()

	f.setHead(111) // 11 blocks on top of 100: one short of 12
	confirmed, err := broker.IsConfirmed(ctx, "0xabc", 12)
	if err != nil {
		t.Fatalf("IsConfirmed error: %v", err)
	}
	if confirmed {
		t.Fatal("confirmed one block short of the required depth")
	}

	f.setHead(112)
	confirmed, err = broker.IsConfirmed(ctx, "0xabc", 12)
	if err != nil {
		t.Fatalf("IsConfirmed error: %v", err)
	}
	if !confirmed {
		t.Fatal("not confirmed at the required depth")
	}
}

func TestIsConfirmed_RevertedTransaction(t *testing.T) {
	f := newFakeRPC()
	f.putReceipt("0xbad", 100, 0)
	f.setHead(200)
	broker := NewChainBroker(newRPCServer(t, f).URL, newSigningKeyStore(t), nil)

	_, err := broker.IsConfirmed(context.Background(), "0xbad", 12)
	if !errors.Is(err, ErrRejectedTransaction) {
		t.Fatalf("err = %v, want ErrRejectedTransaction", err)
	}
}

func TestIsConfirmed_UnindexedTransaction(t *testing.T) {
	f := newFakeRPC()
	broker := NewChainBroker(newRPCServer(t, f).URL, newSigningKeyStore(t), nil)

	_, err := broker.IsConfirmed(context.Background(), "0xmissing", 12)
	if !errors.Is(err, ethereum.NotFound) {
		t.Fatalf("err = %v, want ethereum.NotFound", err)
	}
}

func TestIsConfirmed_NoEndpointConfigured(t *testing.T) {
	broker := NewChainBroker("", newSigningKeyStore(t), nil)

	_, err := broker.IsConfirmed(context.Background(), "0xabc", 12)
	if err == nil || !strings.Contains(err.Error(), "CHAIN_RPC_URL") {
		t.Fatalf("err = %v, want missing endpoint error", err)
	}
}

func TestSweepNative_SendsBalanceMinusGas(t *testing.T) {
	f := newFakeRPC()
	f.balance = "0xde0b6b3a7640000" // 1 ETH
	ks := newSigningKeyStore(t)
	broker := NewChainBroker(newRPCServer(t, f).URL, ks, nil)

	hash, err := broker.SweepNative(context.Background(), depositAddr.Hex(), custodialAddr)
	if err != nil {
		t.Fatalf("SweepNative error: %v", err)
	}
	if hash == "" {
		t.Fatal("empty sweep tx hash")
	}

	sent := f.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("broadcast %d transactions, want 1", len(sent))
	}
	raw, err := hexutil.Decode(sent[0])
	if err != nil {
		t.Fatalf("decoding raw tx: %v", err)
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		t.Fatalf("unmarshaling tx: %v", err)
	}

	// 1 ETH minus 21000 gas at 1 gwei
	wantValue, _ := new(big.Int).SetString("999979000000000000", 10)
	if tx.Value().Cmp(wantValue) != 0 {
		t.Fatalf("value = %s, want %s", tx.Value(), wantValue)
	}
	if tx.Gas() != 21000 {
		t.Fatalf("gas = %d, want 21000", tx.Gas())
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(custodialAddr) {
		t.Fatalf("to = %v, want custodial address", tx.To())
	}
	if tx.Hash().Hex() != hash {
		t.Fatalf("returned hash %s does not match broadcast tx %s", hash, tx.Hash().Hex())
	}
}

func TestSweepNative_BalanceBelowGasCost(t *testing.T) {
	f := newFakeRPC()
	f.balance = "0x1319718a5000" // exactly 21000 gas at 1 gwei
	broker := NewChainBroker(newRPCServer(t, f).URL, newSigningKeyStore(t), nil)

	_, err := broker.SweepNative(context.Background(), depositAddr.Hex(), custodialAddr)
	if err == nil || !strings.Contains(err.Error(), "insufficient balance") {
		t.Fatalf("err = %v, want insufficient balance", err)
	}
	if len(f.sentTxs()) != 0 {
		t.Fatal("broadcast a sweep it could not fund")
	}
}

func TestSweepToken_NativeBalanceMustCoverGas(t *testing.T) {
	f := newFakeRPC()
	f.balance = "0x0"
	f.tokenBalance = "0x" + strings.Repeat("0", 57) + "2faf080" // 50e6
	tokens := []config.Token{{
		Symbol:   "USDC",
		Address:  common.HexToAddress("0x5555555555555555555555555555555555555555"),
		Decimals: 6,
	}}
	broker := NewChainBroker(newRPCServer(t, f).URL, newSigningKeyStore(t), tokens)

	_, err := broker.SweepToken(context.Background(), "USDC", depositAddr.Hex(), custodialAddr)
	if err == nil || !strings.Contains(err.Error(), "insufficient funds for gas") {
		t.Fatalf("err = %v, want insufficient funds for gas", err)
	}
	if len(f.sentTxs()) != 0 {
		t.Fatal("broadcast a sweep it could not fund")
	}
}

func TestSweepToken_UnknownToken(t *testing.T) {
	broker := NewChainBroker(newRPCServer(t, newFakeRPC()).URL, newSigningKeyStore(t), nil)

	_, err := broker.SweepToken(context.Background(), "WBTC", depositAddr.Hex(), custodialAddr)
	if err == nil || !strings.Contains(err.Error(), "no contract configured") {
		t.Fatalf("err = %v, want no contract configured", err)
	}
}
