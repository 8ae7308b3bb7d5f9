package userop

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"userop-generator/internal/chain"
	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/gas"
)

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func sampleOp() *UserOperation {
	return New(common.HexToAddress("0x1111"), 7, []byte{0xca, 0xfe}).WithGas(gas.Params{
		CallGasLimit:         big.NewInt(55_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(110),
		MaxPriorityFeePerGas: big.NewInt(10),
	})
}

func TestWithPaymasterConcatenation(t *testing.T) {
	paymaster := common.HexToAddress("0x2222")
	data := []byte{0x01, 0x02, 0x03}
	op := sampleOp().WithPaymaster(paymaster, data)

	if len(op.PaymasterAndData) != common.AddressLength+len(data) {
		t.Fatalf("paymasterAndData length = %d", len(op.PaymasterAndData))
	}
	if !bytes.Equal(op.PaymasterAndData[:common.AddressLength], paymaster.Bytes()) {
		t.Fatalf("paymaster address prefix mismatch")
	}
	if !bytes.Equal(op.PaymasterAndData[common.AddressLength:], data) {
		t.Fatalf("paymaster data suffix mismatch")
	}
}

func TestHashDeterministic(t *testing.T) {
	first, err := Hash(sampleOp(), 1, testEntryPoint)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := Hash(sampleOp(), 1, testEntryPoint)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatalf("hash not deterministic: %s vs %s", first, second)
	}
}

func TestHashSensitivity(t *testing.T) {
	base, err := Hash(sampleOp(), 1, testEntryPoint)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	variants := map[string]func() (common.Hash, error){
		"nonce": func() (common.Hash, error) {
			op := sampleOp()
			op.Nonce = big.NewInt(8)
			return Hash(op, 1, testEntryPoint)
		},
		"callData": func() (common.Hash, error) {
			op := sampleOp()
			op.CallData = []byte{0xca, 0xff}
			return Hash(op, 1, testEntryPoint)
		},
		"maxFeePerGas": func() (common.Hash, error) {
			op := sampleOp()
			op.MaxFeePerGas = big.NewInt(111)
			return Hash(op, 1, testEntryPoint)
		},
		"paymasterAndData": func() (common.Hash, error) {
			return Hash(sampleOp().WithPaymaster(common.HexToAddress("0x2222"), nil), 1, testEntryPoint)
		},
		"chainID": func() (common.Hash, error) {
			return Hash(sampleOp(), 137, testEntryPoint)
		},
		"entryPoint": func() (common.Hash, error) {
			return Hash(sampleOp(), 1, common.HexToAddress("0x3333"))
		},
	}
	for field, build := range variants {
		hash, err := build()
		if err != nil {
			t.Fatalf("hash with %s changed: %v", field, err)
		}
		if hash == base {
			t.Fatalf("changing %s did not change the hash", field)
		}
	}

	// 签名不参与哈希。
	signed := sampleOp().WithSignature([]byte{0xff})
	hash, err := Hash(signed, 1, testEntryPoint)
	if err != nil {
		t.Fatalf("hash signed: %v", err)
	}
	if hash != base {
		t.Fatalf("signature changed the hash")
	}
}

func TestJSONEncoding(t *testing.T) {
	encoded, err := json.Marshal(sampleOp())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"callData":"0xcafe"`) {
		t.Fatalf("callData not hex encoded: %s", encoded)
	}
	if !strings.Contains(string(encoded), `"nonce":"0x7"`) {
		t.Fatalf("nonce not hex encoded: %s", encoded)
	}

	var decoded UserOperation
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Nonce.Uint64() != 7 || !bytes.Equal(decoded.CallData, []byte{0xca, 0xfe}) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

type fakeEstimator struct {
	params gas.Params
	err    error
	calls  int
}

func (f *fakeEstimator) Estimate(context.Context, uint64, common.Address, []byte) (gas.Params, error) {
	f.calls++
	return f.params, f.err
}

type fakeNonces struct {
	nonce uint64
	err   error
}

func (f *fakeNonces) Next(context.Context, uint64, common.Address) (uint64, error) {
	return f.nonce, f.err
}

type fakeSigner struct {
	signature []byte
	err       error
}

func (f *fakeSigner) Sign(context.Context, common.Hash) ([]byte, error) {
	return f.signature, f.err
}

func (f *fakeSigner) Address() common.Address { return common.HexToAddress("0x9999") }

func generatorCatalog(t *testing.T) *chain.Catalog {
	t.Helper()
	catalog, err := chain.NewCatalog(map[string]chain.Definition{
		"ethereum": {
			ChainID:    1,
			FeeModel:   chain.FeeModelEIP1559,
			RPCURL:     "fake://ethereum",
			EntryPoint: testEntryPoint.Hex(),
			Paymaster:  "0x0000000000000000000000000000000000002222",
		},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return catalog
}

func TestGenerate(t *testing.T) {
	estimator := &fakeEstimator{params: gas.Params{
		CallGasLimit:         big.NewInt(55_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(110),
		MaxPriorityFeePerGas: big.NewInt(10),
	}}
	generator := NewGenerator(generatorCatalog(t), estimator, &fakeNonces{nonce: 3})

	paymaster := common.HexToAddress("0x2222")
	result, err := generator.Generate(context.Background(), Request{
		ChainID:   1,
		Sender:    common.HexToAddress("0x1111"),
		CallData:  []byte{0xca, 0xfe},
		Paymaster: &paymaster,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	op := result.Operation
	if op.Nonce.Uint64() != 3 {
		t.Fatalf("nonce = %v, want 3", op.Nonce)
	}
	if op.MaxFeePerGas.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("max fee = %v, want 110", op.MaxFeePerGas)
	}
	if !bytes.Equal(op.PaymasterAndData[:common.AddressLength], paymaster.Bytes()) {
		t.Fatalf("paymaster not applied: %x", op.PaymasterAndData)
	}
	if result.EntryPoint != testEntryPoint {
		t.Fatalf("entry point = %s", result.EntryPoint)
	}

	want, err := Hash(op, 1, testEntryPoint)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if result.Hash != want {
		t.Fatalf("hash mismatch: %s vs %s", result.Hash, want)
	}
}

func TestGenerateUnsupportedChain(t *testing.T) {
	estimator := &fakeEstimator{}
	generator := NewGenerator(generatorCatalog(t), estimator, &fakeNonces{})

	_, err := generator.Generate(context.Background(), Request{
		ChainID: 999,
		Sender:  common.HexToAddress("0x1111"),
	})
	if xerrors.CodeOf(err) != xerrors.CodeUnsupportedChain {
		t.Fatalf("expected unsupported chain error, got %v", err)
	}
	if estimator.calls != 0 {
		t.Fatalf("estimator called for unsupported chain")
	}
}

func TestSign(t *testing.T) {
	generator := NewGenerator(generatorCatalog(t), &fakeEstimator{params: gas.Params{
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(1),
		PreVerificationGas:   big.NewInt(1),
		MaxFeePerGas:         big.NewInt(1),
		MaxPriorityFeePerGas: big.NewInt(1),
	}}, &fakeNonces{})

	result, err := generator.Generate(context.Background(), Request{
		ChainID:  1,
		Sender:   common.HexToAddress("0x1111"),
		CallData: []byte{0x01},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if err := generator.Sign(context.Background(), result, &fakeSigner{signature: []byte{0xab}}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !bytes.Equal(result.Operation.Signature, []byte{0xab}) {
		t.Fatalf("signature not applied: %x", result.Operation.Signature)
	}

	if err := generator.Sign(context.Background(), result, &fakeSigner{err: context.DeadlineExceeded}); err == nil {
		t.Fatalf("expected signing failure")
	} else if xerrors.CodeOf(err) != xerrors.CodeSignatureFailure {
		t.Fatalf("expected signature failure code, got %v", err)
	}
}
