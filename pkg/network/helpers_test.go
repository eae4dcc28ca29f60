package network

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zgdrive/pkg/core"
	"zgdrive/pkg/types"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 假的 JSON-RPC 服务器
// -----------------------------------------------------------------------------

type rpcHandler func(params json.RawMessage) (any, error)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

// newRPCServer 按方法名分发；未注册的方法返回 -32601
func newRPCServer(t *testing.T, handlers map[string]rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		h, ok := handlers[req.Method]
		if !ok {
			resp["error"] = rpcError{Code: -32601, Message: "method not found: " + req.Method}
		} else if result, err := h(req.Params); err != nil {
			resp["error"] = rpcError{Code: -32000, Message: err.Error()}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustTree(t *testing.T, size int) (*bytes.Reader, *core.Tree) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	blob := bytes.NewReader(data)
	tree, err := core.BuildTreeFromBlob(blob)
	require.NoError(t, err)
	return blob, tree
}

// -----------------------------------------------------------------------------
// 假的链与节点
// -----------------------------------------------------------------------------

type fakeChain struct {
	signer    bool
	price     *big.Int
	submitErr error
	mineErr   error

	submits   atomic.Int32
	lastValue *big.Int
	lastGas   uint64
}

func (f *fakeChain) HasSigner() bool { return f.signer }

func (f *fakeChain) PricePerSector(ctx context.Context) (*big.Int, error) {
	return f.price, nil
}

func (f *fakeChain) Submit(ctx context.Context, sub *core.Submission, value, gasPrice *big.Int, gasLimit uint64) (*ethtypes.Transaction, error) {
	n := f.submits.Add(1)
	f.lastValue = value
	f.lastGas = gasLimit
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return ethtypes.NewTx(&ethtypes.LegacyTx{Nonce: uint64(n), GasPrice: gasPrice, Gas: gasLimit}), nil
}

func (f *fakeChain) WaitMined(ctx context.Context, txHash common.Hash, maxBackoff time.Duration) (*ethtypes.Receipt, error) {
	if f.mineErr != nil {
		return nil, f.mineErr
	}
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), TxHash: txHash}, nil
}

type fakeNode struct {
	mu        sync.Mutex
	info      *FileInfo
	segments  map[uint64]*SegmentWithProof
	uploadErr error
	// finalizeAfter 次查询后 Finalized 变为 true (0 表示不变)
	finalizeAfter int
	queries       int
}

func (f *fakeNode) GetFileInfo(ctx context.Context, root types.Hash) (*FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.finalizeAfter > 0 && f.queries > f.finalizeAfter {
		return &FileInfo{Finalized: true}, nil
	}
	return f.info, nil
}

func (f *fakeNode) UploadSegment(ctx context.Context, seg *SegmentWithProof) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	if f.segments == nil {
		f.segments = make(map[uint64]*SegmentWithProof)
	}
	f.segments[seg.Index] = seg
	return nil
}
