package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domalend/domalend-node/indexer"
)

func testServer(t *testing.T) (*Server, *indexer.Store) {
	t.Helper()
	store := indexer.NewStore()
	return NewServer(store, indexer.NewBus(), 0, ""), store
}

func getJSON(t *testing.T, srv *Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func repaidAt(id, timestamp string) indexer.LoanRepaid {
	return indexer.LoanRepaid{
		Meta: indexer.Meta{
			ID:              id,
			BlockNumber:     "100",
			BlockTimestamp:  timestamp,
			TransactionHash: "0xabc",
		},
		LoanID:    "1",
		Timestamp: timestamp,
	}
}

func TestEmptyStoreReturnsEmptyList(t *testing.T) {
	srv, store := testServer(t)
	store.SetCursor(1001, 1000)

	resp, body := getJSON(t, srv, "/api/loans/created")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	list, ok := body["loanCreateds"].([]any)
	require.True(t, ok, "loanCreateds must be a list, got %T", body["loanCreateds"])
	assert.Empty(t, list)
}

func TestHealthSnapshot(t *testing.T) {
	srv, store := testServer(t)
	store.SetCursor(1001, 1000)

	resp, body := getJSON(t, srv, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	ix, ok := body["indexer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1001), ix["nextBlock"])
	assert.Equal(t, float64(1000), ix["lastProcessedBlock"])
	assert.Contains(t, body, "droppedNotices")
	assert.Contains(t, body, "ts")
}

func TestSortAndPaginate(t *testing.T) {
	srv, store := testServer(t)
	store.Insert(repaidAt("0x1-0", "1000"))
	store.Insert(repaidAt("0x2-0", "2000"))
	store.Insert(repaidAt("0x3-0", "1500"))

	_, body := getJSON(t, srv, "/api/loans/repaid?first=2&orderBy=timestamp&orderDirection=desc")
	list := body["loanRepaids"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "2000", list[0].(map[string]any)["timestamp"])
	assert.Equal(t, "1500", list[1].(map[string]any)["timestamp"])

	_, body = getJSON(t, srv, "/api/loans/repaid?first=2&skip=2&orderBy=timestamp&orderDirection=desc")
	list = body["loanRepaids"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "1000", list[0].(map[string]any)["timestamp"])
}

func TestUnknownKindIs404(t *testing.T) {
	srv, _ := testServer(t)
	resp, body := getJSON(t, srv, "/api/loans/exploded")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	errs := body["errors"].([]any)
	first := errs[0].(map[string]any)
	assert.Equal(t, "NOT_FOUND", first["extensions"].(map[string]any)["code"])
}

func TestBadQueryParamsAre400(t *testing.T) {
	srv, _ := testServer(t)
	for _, path := range []string{
		"/api/loans/created?first=notanumber",
		"/api/loans/created?skip=-1",
		"/api/loans/created?orderBy=amount",
		"/api/loans/created?orderDirection=sideways",
	} {
		resp, body := getJSON(t, srv, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		errs := body["errors"].([]any)
		first := errs[0].(map[string]any)
		assert.Equal(t, "BAD_REQUEST", first["extensions"].(map[string]any)["code"], path)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, store := testServer(t)
	store.Insert(indexer.LoanCreated{
		Meta:   indexer.Meta{ID: "0x1-0", BlockTimestamp: "1000"},
		LoanID: "1",
		Amount: "500",
	})

	_, body := getJSON(t, srv, "/api/stats")
	coll := body["protocolStats_collection"].([]any)
	require.Len(t, coll, 1)
	stats := coll[0].(map[string]any)
	assert.Equal(t, "1", stats["totalLoansCreated"])
	assert.Equal(t, "500", stats["totalLoanVolume"])
}

func TestAllLoansUnion(t *testing.T) {
	srv, store := testServer(t)
	store.Insert(repaidAt("0x1-0", "1000"))

	_, body := getJSON(t, srv, "/api/loans/all")
	for _, key := range []string{
		"loanCreateds", "loanAccepteds", "loanRepaids", "loanLiquidateds",
		"loanOfferCancelleds", "loanOfferRemoveds", "oracleAddressSets",
		"protocolStats_collection",
	} {
		assert.Contains(t, body, key)
	}
	assert.Len(t, body["loanRepaids"].([]any), 1)
}

func TestCORSHeader(t *testing.T) {
	srv, _ := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
