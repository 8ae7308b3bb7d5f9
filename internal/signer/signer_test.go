package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestLocalSignerRecoverableSignature(t *testing.T) {
	local, err := NewLocal("0x" + testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	hash := common.HexToHash("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	signature, err := local.Sign(context.Background(), hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signature) != 65 {
		t.Fatalf("signature length = %d, want 65", len(signature))
	}
	if v := signature[64]; v != 27 && v != 28 {
		t.Fatalf("v = %d, want 27 or 28", v)
	}

	// 恢复出的公钥必须对应签名账户。
	recoverable := make([]byte, 65)
	copy(recoverable, signature)
	recoverable[64] -= 27
	pubkey, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), recoverable)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pubkey); recovered != local.Address() {
		t.Fatalf("recovered %s, want %s", recovered, local.Address())
	}
}

func TestNewLocalRejectsBadKey(t *testing.T) {
	if _, err := NewLocal("not-a-key"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
