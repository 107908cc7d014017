package main

import (
	"bytes"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uniformRequest builds a two-example batch with all-zero activations:
// the log-softmax is uniform, so the expected cost has a closed form.
func uniformRequest(wantGrads bool) lossRequest {
	const (
		B    = 2
		V    = 3
		maxT = 2
		maxU = 2
	)
	return lossRequest{
		TransActs:    make([]float32, maxT*B*V),
		PredActs:     make([]float32, maxU*B*V),
		Labels:       []int32{1, 2},
		LabelLengths: []int32{1, 1},
		InputLengths: []int32{2, 2},
		Alphabet:     V,
		Minibatch:    B,
		MaxT:         maxT,
		MaxU:         maxU,
		WantGrads:    wantGrads,
	}
}

// With T=2, U=2 and uniform 1/3 emissions there are two alignments, each
// of probability (1/3)^3.
var uniformCost = 3*math.Log(3) - math.Log(2)

func TestServer_Loss(t *testing.T) {
	srv := NewServer(0, 2, 1024, nil)

	t.Run("CBOR uniform batch", func(t *testing.T) {
		data, err := cbor.Marshal(uniformRequest(true))
		require.NoError(t, err)

		req, _ := http.NewRequest("POST", "/loss", bytes.NewReader(data))
		rr := httptest.NewRecorder()
		http.HandlerFunc(srv.handleLoss).ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp lossResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Status)
		assert.Equal(t, "no error", resp.StatusText)
		require.Len(t, resp.Costs, 2)
		for i, c := range resp.Costs {
			assert.InDelta(t, uniformCost, float64(c), 1e-5, "cost of example %d", i)
		}
		assert.Len(t, resp.TransGrad, 2*2*3)
		assert.Len(t, resp.PredGrad, 2*2*3)
	})

	t.Run("Bad CBOR", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "/loss", bytes.NewReader([]byte{0xff, 0x00}))
		rr := httptest.NewRecorder()
		http.HandlerFunc(srv.handleLoss).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Invalid batch is a 400", func(t *testing.T) {
		bad := uniformRequest(false)
		bad.Labels = []int32{5, 2} // outside the alphabet
		data, err := cbor.Marshal(bad)
		require.NoError(t, err)

		req, _ := http.NewRequest("POST", "/loss", bytes.NewReader(data))
		rr := httptest.NewRecorder()
		http.HandlerFunc(srv.handleLoss).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Method not allowed", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/loss", nil)
		rr := httptest.NewRecorder()
		http.HandlerFunc(srv.handleLoss).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()
		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_LossArrow(t *testing.T) {
	srv := NewServer(0, 2, 1024, nil)
	alloc := memory.NewGoAllocator()

	rec := encodeLossRequests(alloc, []lossRequest{uniformRequest(false)})
	defer rec.Release()

	var body bytes.Buffer
	writer := ipc.NewWriter(&body, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(alloc))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())

	req, _ := http.NewRequest("POST", "/loss/arrow", &body)
	rr := httptest.NewRecorder()
	http.HandlerFunc(srv.handleLossArrow).ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()), ipc.WithAllocator(alloc))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	out := reader.Record()
	require.EqualValues(t, 1, out.NumRows())

	costsCol, err := float32ListColumn(out, "costs")
	require.NoError(t, err)
	costs := float32Row(costsCol, 0)
	require.Len(t, costs, 2)
	for i, c := range costs {
		assert.InDelta(t, uniformCost, float64(c), 1e-5, "cost of example %d", i)
	}
}

func TestArrowRequestRoundTrip(t *testing.T) {
	alloc := memory.NewGoAllocator()
	want := uniformRequest(true)

	rec := encodeLossRequests(alloc, []lossRequest{want})
	defer rec.Release()

	got, err := decodeLossRecord(rec)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
}
