package chain

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "userop-generator/internal/errors"
)

const sampleCatalog = `
chains:
  ethereum:
    chain_id: 1
    fee_model: eip1559
    rpc_url: https://eth.example.org
    entry_point: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
    rate_limit:
      window_seconds: 1
      max_requests: 100
  polygon:
    chain_id: 137
    fee_model: scaled
    derive_from: 1
    rpc_url: https://polygon.example.org
    entry_point: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
  arbitrum:
    chain_id: 42161
    fee_model: flat
    rpc_url: https://arb.example.org
    entry_point: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	catalog, err := LoadCatalog(writeCatalog(t, sampleCatalog))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	def, ok := catalog.ByID(1)
	if !ok || def.FeeModel != FeeModelEIP1559 {
		t.Fatalf("unexpected ethereum definition: %+v (ok=%v)", def, ok)
	}
	if def.RateLimit.MaxRequests != 100 {
		t.Fatalf("rate limit not parsed: %+v", def.RateLimit)
	}

	scaled, ok := catalog.ByID(137)
	if !ok || scaled.DeriveFrom != 1 {
		t.Fatalf("unexpected polygon definition: %+v", scaled)
	}

	if ids := catalog.ChainIDs(); len(ids) != 3 || ids[0] != 1 || ids[2] != 42161 {
		t.Fatalf("unexpected chain ids: %v", ids)
	}
}

func TestCatalogRejectsScaledWithoutSource(t *testing.T) {
	_, err := NewCatalog(map[string]Definition{
		"orphan": {ChainID: 10, FeeModel: FeeModelScaled, RPCURL: "https://example.org"},
	})
	if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestCatalogRejectsUnknownFeeModel(t *testing.T) {
	_, err := NewCatalog(map[string]Definition{
		"bad": {ChainID: 10, FeeModel: "legacy", RPCURL: "https://example.org"},
	})
	if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestCatalogRejectsBadAddress(t *testing.T) {
	_, err := NewCatalog(map[string]Definition{
		"bad": {ChainID: 10, FeeModel: FeeModelFlat, RPCURL: "https://example.org", EntryPoint: "not-an-address"},
	})
	if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestCatalogRejectsDuplicateChainID(t *testing.T) {
	_, err := NewCatalog(map[string]Definition{
		"one": {ChainID: 10, FeeModel: FeeModelFlat, RPCURL: "https://a.example.org"},
		"two": {ChainID: 10, FeeModel: FeeModelFlat, RPCURL: "https://b.example.org"},
	})
	if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected config error, got %v", err)
	}
}
