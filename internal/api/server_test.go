package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"userop-generator/internal/chain"
	"userop-generator/internal/gas"
	"userop-generator/internal/submit"
	"userop-generator/internal/userop"
)

type stubEstimator struct{}

func (stubEstimator) Estimate(context.Context, uint64, common.Address, []byte) (gas.Params, error) {
	return gas.Params{
		CallGasLimit:         big.NewInt(55_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(110),
		MaxPriorityFeePerGas: big.NewInt(10),
	}, nil
}

type stubNonces struct{}

func (stubNonces) Next(context.Context, uint64, common.Address) (uint64, error) { return 7, nil }

type stubSigner struct{}

func (stubSigner) Sign(context.Context, common.Hash) ([]byte, error) { return []byte{0xab}, nil }
func (stubSigner) Address() common.Address                           { return common.HexToAddress("0x9999") }

func testServer(t *testing.T) (*Server, *submit.Service) {
	t.Helper()
	catalog, err := chain.NewCatalog(map[string]chain.Definition{
		"ethereum": {
			ChainID:    1,
			FeeModel:   chain.FeeModelEIP1559,
			RPCURL:     "fake://ethereum",
			EntryPoint: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789",
		},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	generator := userop.NewGenerator(catalog, stubEstimator{}, stubNonces{})
	queue := submit.NewMemoryQueue(8)
	t.Cleanup(func() { _ = queue.Close() })
	submissions := submit.NewService(submit.NewMemoryStore(), queue, 3)
	return NewServer(":0", generator, stubSigner{}, submissions), submissions
}

func TestGenerateEndpoint(t *testing.T) {
	server, _ := testServer(t)
	handler := server.Handler()

	body := `{"chain_id":1,"sender":"0x0000000000000000000000000000000000001111","call_data":"0xcafe","sign":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var response struct {
		Operation  *userop.UserOperation `json:"operation"`
		Hash       string                `json:"hash"`
		EntryPoint string                `json:"entry_point"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Operation == nil || response.Operation.Nonce.Uint64() != 7 {
		t.Fatalf("unexpected operation: %+v", response.Operation)
	}
	if len(response.Operation.Signature) == 0 {
		t.Fatalf("operation not signed")
	}
	if !strings.HasPrefix(response.Hash, "0x") {
		t.Fatalf("hash missing: %q", response.Hash)
	}
}

func TestGenerateAndSubmitEndpoint(t *testing.T) {
	server, submissions := testServer(t)
	handler := server.Handler()

	body := `{"chain_id":1,"sender":"0x0000000000000000000000000000000000001111","call_data":"0xcafe","sign":true,"submit":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var response struct {
		RecordID string `json:"record_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.RecordID == "" {
		t.Fatalf("record id missing: %s", rec.Body.String())
	}

	record, err := submissions.Get(context.Background(), response.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Status != submit.StatusPending {
		t.Fatalf("unexpected record status: %s", record.Status)
	}
}

func TestGenerateEndpointValidation(t *testing.T) {
	server, _ := testServer(t)
	handler := server.Handler()

	cases := map[string]string{
		"bad sender":          `{"chain_id":1,"sender":"not-an-address"}`,
		"submit without sign": `{"chain_id":1,"sender":"0x0000000000000000000000000000000000001111","submit":true}`,
		"unsupported chain":   `{"chain_id":999,"sender":"0x0000000000000000000000000000000000001111"}`,
	}
	for name, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, body = %s", name, rec.Code, rec.Body.String())
		}
	}
}

func TestOperationDetailEndpoint(t *testing.T) {
	server, submissions := testServer(t)
	handler := server.Handler()

	op := userop.New(common.HexToAddress("0x1111"), 7, []byte{0x01}).WithSignature([]byte{0xab})
	result := &userop.Result{Operation: op, EntryPoint: common.HexToAddress("0x2222")}
	record, err := submissions.Enqueue(context.Background(), 1, result)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/"+record.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/operations/missing", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing record: status = %d", rec.Code)
	}
}

func TestListEndpointFilters(t *testing.T) {
	server, submissions := testServer(t)
	handler := server.Handler()

	op := userop.New(common.HexToAddress("0x1111"), 7, []byte{0x01}).WithSignature([]byte{0xab})
	if _, err := submissions.Enqueue(context.Background(), 1, &userop.Result{Operation: op, EntryPoint: common.HexToAddress("0x2222")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operations?status=pending&chain_id=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var records []*submit.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/operations?status=bogus", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter: status = %d", rec.Code)
	}
}
