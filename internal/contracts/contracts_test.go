package contracts

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBindingsConstruct(t *testing.T) {
	entryPointAddr := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	walletAddr := common.HexToAddress("0x1111")
	paymasterAddr := common.HexToAddress("0x2222")

	entryPoint, err := NewEntryPoint(entryPointAddr, nil)
	if err != nil {
		t.Fatalf("bind entry point: %v", err)
	}
	if entryPoint.Address() != entryPointAddr {
		t.Fatalf("entry point address = %s", entryPoint.Address())
	}

	wallet, err := NewSmartWallet(walletAddr, nil)
	if err != nil {
		t.Fatalf("bind smart wallet: %v", err)
	}
	if wallet.Address() != walletAddr {
		t.Fatalf("wallet address = %s", wallet.Address())
	}

	paymaster, err := NewPaymaster(paymasterAddr, nil)
	if err != nil {
		t.Fatalf("bind paymaster: %v", err)
	}
	if paymaster.Address() != paymasterAddr {
		t.Fatalf("paymaster address = %s", paymaster.Address())
	}
}
