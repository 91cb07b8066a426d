// Package api exposes the event projection over REST and a
// subgraph-compatible POST endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/domalend/domalend-node/indexer"
)

const handlerTimeout = 30 * time.Second

// restKinds maps URL path kinds to store kinds. OracleAddressSet has no
// dedicated REST kind; it still appears in /api/loans/all.
var restKinds = map[string]indexer.Kind{
	"created":    indexer.KindLoanCreated,
	"accepted":   indexer.KindLoanAccepted,
	"repaid":     indexer.KindLoanRepaid,
	"liquidated": indexer.KindLoanLiquidated,
	"cancelled":  indexer.KindLoanOfferCancelled,
	"removed":    indexer.KindLoanOfferRemoved,
}

// listKeys are the canonical response keys, matching the subgraph entity
// collection names.
var listKeys = map[indexer.Kind]string{
	indexer.KindLoanCreated:        "loanCreateds",
	indexer.KindLoanAccepted:       "loanAccepteds",
	indexer.KindLoanRepaid:         "loanRepaids",
	indexer.KindLoanLiquidated:     "loanLiquidateds",
	indexer.KindLoanOfferCancelled: "loanOfferCancelleds",
	indexer.KindLoanOfferRemoved:   "loanOfferRemoveds",
	indexer.KindOracleAddressSet:   "oracleAddressSets",
}

const statsKey = "protocolStats_collection"

// Server serves the store over one bound port.
type Server struct {
	store      *indexer.Store
	bus        *indexer.Bus
	corsOrigin string
	httpSrv    *http.Server
}

// NewServer builds the HTTP surface. An empty corsOrigin allows any origin.
func NewServer(store *indexer.Store, bus *indexer.Bus, port int, corsOrigin string) *Server {
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	s := &Server{
		store:      store,
		bus:        bus,
		corsOrigin: corsOrigin,
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  handlerTimeout,
		WriteTimeout: handlerTimeout,
	}
	return s
}

// Router assembles all routes; exposed separately for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/loans/all", s.handleAllLoans).Methods(http.MethodGet)
	r.HandleFunc("/api/loans/{kind}", s.handleLoans).Methods(http.MethodGet)
	r.HandleFunc("/graphql", s.handleGraphQL).Methods(http.MethodPost, http.MethodOptions)
	return r
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("HTTP server starting")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}

type apiError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	e := apiError{Message: message}
	e.Extensions.Code = code
	writeJSON(w, status, map[string][]apiError{"errors": {e}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"indexer":        s.store.Status(),
		"droppedNotices": s.bus.Dropped(),
		"ts":             time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		statsKey: []indexer.ProtocolStats{s.store.Stats()},
	})
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	kind, ok := restKinds[mux.Vars(r)["kind"]]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown loan event kind")
		return
	}

	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	events, err := s.store.List(kind, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{listKeys[kind]: events})
}

func (s *Server) handleAllLoans(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(indexer.Kinds)+1)
	for _, kind := range indexer.Kinds {
		events, err := s.store.List(kind, indexer.ListOpts{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
			return
		}
		out[listKeys[kind]] = events
	}
	out[statsKey] = []indexer.ProtocolStats{s.store.Stats()}
	writeJSON(w, http.StatusOK, out)
}

func parseListOpts(r *http.Request) (indexer.ListOpts, error) {
	q := r.URL.Query()
	opts := indexer.ListOpts{}

	if raw := q.Get("first"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return opts, fmt.Errorf("invalid first parameter %q", raw)
		}
		opts.First = uint32(n)
	}
	if raw := q.Get("skip"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return opts, fmt.Errorf("invalid skip parameter %q", raw)
		}
		opts.Skip = uint32(n)
	}
	if raw := q.Get("orderBy"); raw != "" {
		if !indexer.SortFields[raw] {
			return opts, indexer.ErrBadOrderBy
		}
		opts.OrderBy = raw
	}
	if raw := q.Get("orderDirection"); raw != "" {
		if raw != "asc" && raw != "desc" {
			return opts, fmt.Errorf("invalid orderDirection %q", raw)
		}
		opts.OrderDirection = raw
	}
	return opts, nil
}
