package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/domalend/domalend-node/indexer"
)

// The POST /graphql endpoint recognizes the known subgraph query shapes by
// substring rather than parsing GraphQL: the upstream client surface is
// fixed, and unknown shapes get an empty data object instead of an error.

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// queryRows maps a canonical field substring to the store read that
// populates it. Rows are evaluated independently; one query may hit several.
var queryRows = []struct {
	substr string
	kind   indexer.Kind
}{
	{"loanCreateds", indexer.KindLoanCreated},
	{"loanAccepteds", indexer.KindLoanAccepted},
	{"loanRepaids", indexer.KindLoanRepaid},
	{"loanLiquidateds", indexer.KindLoanLiquidated},
	{"loanOfferCancelleds", indexer.KindLoanOfferCancelled},
	{"loanOfferRemoveds", indexer.KindLoanOfferRemoved},
}

var (
	firstRe    = regexp.MustCompile(`first:\s*(\d+)`)
	skipRe     = regexp.MustCompile(`skip:\s*(\d+)`)
	orderByRe  = regexp.MustCompile(`orderBy:\s*([A-Za-z_][A-Za-z0-9_]*)`)
	orderDirRe = regexp.MustCompile(`orderDirection:\s*([A-Za-z]+)`)
)

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req graphqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed graphql request body")
		return
	}

	opts, err := scanQueryOpts(req.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	data := map[string]any{}
	for _, row := range queryRows {
		if !strings.Contains(req.Query, row.substr) {
			continue
		}
		events, err := s.store.List(row.kind, opts)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		data[listKeys[row.kind]] = events
	}
	if strings.Contains(req.Query, "protocolStats_collection") ||
		strings.Contains(req.Query, "protocolStatsCollection") {
		data[statsKey] = []indexer.ProtocolStats{s.store.Stats()}
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// scanQueryOpts extracts first/skip/orderBy/orderDirection by pattern from
// the query text, falling back to the documented defaults.
func scanQueryOpts(query string) (indexer.ListOpts, error) {
	opts := indexer.ListOpts{}

	if m := firstRe.FindStringSubmatch(query); m != nil {
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return opts, err
		}
		opts.First = uint32(n)
	}
	if m := skipRe.FindStringSubmatch(query); m != nil {
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return opts, err
		}
		opts.Skip = uint32(n)
	}
	if m := orderByRe.FindStringSubmatch(query); m != nil {
		if !indexer.SortFields[m[1]] {
			return opts, indexer.ErrBadOrderBy
		}
		opts.OrderBy = m[1]
	}
	if m := orderDirRe.FindStringSubmatch(query); m != nil {
		dir := strings.ToLower(m[1])
		if dir == "asc" || dir == "desc" {
			opts.OrderDirection = dir
		}
	}
	return opts, nil
}
