package erc20

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestParseTransfer(t *testing.T) {
	from := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	amount := big.NewInt(1_500_000)

	lg := types.Log{
		Topics: []common.Hash{TransferTopic, AddressTopic(from), AddressTopic(to)},
		Data:   common.LeftPadBytes(amount.Bytes(), 32),
	}

	gotFrom, gotTo, gotAmount, ok := ParseTransfer(lg)
	if !ok {
		t.Fatal("well-formed transfer log not parsed")
	}
	if gotFrom != from || gotTo != to {
		t.Fatalf("parsed %s -> %s, want %s -> %s", gotFrom.Hex(), gotTo.Hex(), from.Hex(), to.Hex())
	}
	if gotAmount.Cmp(amount) != 0 {
		t.Fatalf("amount = %s, want %s", gotAmount, amount)
	}
}

func TestParseTransfer_RejectsOtherEvents(t *testing.T) {
	approval := types.Log{
		Topics: []common.Hash{
			common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"),
			AddressTopic(common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")),
			AddressTopic(common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")),
		},
	}
	if _, _, _, ok := ParseTransfer(approval); ok {
		t.Fatal("approval event parsed as a transfer")
	}

	short := types.Log{Topics: []common.Hash{TransferTopic}}
	if _, _, _, ok := ParseTransfer(short); ok {
		t.Fatal("log with missing indexed topics parsed as a transfer")
	}
}

func TestTransferCalldata(t *testing.T) {
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	data := TransferCalldata(to, big.NewInt(42))

	if len(data) != 68 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}
	if !bytes.Equal(data[:4], transferSelector) {
		t.Fatal("wrong function selector")
	}
	if !bytes.Equal(data[4:36], common.LeftPadBytes(to.Bytes(), 32)) {
		t.Fatal("recipient not encoded in the first argument slot")
	}
	if new(big.Int).SetBytes(data[36:]).Int64() != 42 {
		t.Fatal("amount not encoded in the second argument slot")
	}
}

func TestBalanceOfCalldata(t *testing.T) {
	owner := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	data := BalanceOfCalldata(owner)

	if len(data) != 36 {
		t.Fatalf("calldata length = %d, want 36", len(data))
	}
	if !bytes.Equal(data[:4], balanceOfSelector) {
		t.Fatal("wrong function selector")
	}
	if common.BytesToAddress(data[4:]) != owner {
		t.Fatal("owner not encoded in the argument slot")
	}
}
