// Package server is the HTTP relay in front of the aggregator: on-demand
// quotes, the aggregated snapshot, budget status and a websocket feed.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"marketfeed/internal/aggregate"
	"marketfeed/internal/config"
	"marketfeed/internal/provider"
)

const (
	maxSymbols   = 100
	quoteMaxAge  = 60
	resolveLimit = 8
)

type Quoter interface {
	Resolve(ctx context.Context, symbol string, market provider.Market) provider.Quote
}

type Feed interface {
	Snapshot() aggregate.Snapshot
	Refresh(ctx context.Context, force bool) bool
}

// Options wires the handlers. Status builds the /api/status body and
// Universe supplies the market of bare symbols when none is given.
type Options struct {
	Quotes         Quoter
	Feed           Feed
	Status         func() any
	Hub            *Hub
	Universe       []provider.Symbol
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Server struct {
	opts    Options
	log     *slog.Logger
	markets map[string]provider.Market
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	markets := make(map[string]provider.Market, len(opts.Universe))
	for _, s := range opts.Universe {
		if _, dup := markets[s.Symbol]; !dup {
			markets[s.Symbol] = s.Market
		}
	}
	return &Server{opts: opts, log: opts.Logger, markets: markets}
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/quotes", s.handleQuotes).Methods(http.MethodGet)
	router.HandleFunc("/api/quotes/{market}/{symbol}", s.handleQuote).Methods(http.MethodGet)
	router.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)
	if s.opts.Hub != nil {
		router.Handle("/ws", s.opts.Hub).Methods(http.MethodGet)
	}
	return withJSONHeaders(withGzip(recoverPanic(s.log, limitBody(router)), "/ws"))
}

type quotesResponse struct {
	Quotes []aggregate.Row `json:"quotes"`
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if s.opts.Quotes == nil {
		writeError(w, http.StatusServiceUnavailable, "quotes are not configured")
		return
	}
	q := r.URL.Query()
	raw := q.Get("symbols")
	if strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, "missing symbols query param")
		return
	}
	var market provider.Market
	if m := q.Get("market"); m != "" {
		pm, err := provider.ParseMarket(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		market = pm
	}
	// Bare symbols come back with the query market, possibly empty.
	symbols, err := config.ParseSymbols(raw, market)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i := range symbols {
		if symbols[i].Market == "" {
			symbols[i].Market = s.marketOf(symbols[i].Symbol)
		}
	}
	if len(symbols) > maxSymbols {
		writeError(w, http.StatusBadRequest, "too many symbols (max "+strconv.Itoa(maxSymbols)+")")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	rows := make([]aggregate.Row, len(symbols))
	var g errgroup.Group
	g.SetLimit(resolveLimit)
	for i, sym := range symbols {
		g.Go(func() error {
			quote := s.opts.Quotes.Resolve(ctx, sym.Symbol, sym.Market)
			rows[i] = aggregate.Row{Quote: quote, Fallback: quote.IsFallback()}
			return nil
		})
	}
	_ = g.Wait()

	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(quoteMaxAge))
	writeJSON(w, http.StatusOK, quotesResponse{Quotes: rows})
}

func (s *Server) marketOf(symbol string) provider.Market {
	if m, ok := s.markets[symbol]; ok {
		return m
	}
	return provider.MarketUS
}

// handleQuote serves a single symbol with an explicit market.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if s.opts.Quotes == nil {
		writeError(w, http.StatusServiceUnavailable, "quotes are not configured")
		return
	}
	vars := mux.Vars(r)
	market, err := provider.ParseMarket(vars["market"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	quote := s.opts.Quotes.Resolve(ctx, strings.ToUpper(vars["symbol"]), market)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(quoteMaxAge))
	writeJSON(w, http.StatusOK, aggregate.Row{Quote: quote, Fallback: quote.IsFallback()})
}

type snapshotResponse struct {
	State  aggregate.State `json:"state"`
	AsOf   time.Time       `json:"as_of"`
	Quotes []aggregate.Row `json:"quotes"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregator is not configured")
		return
	}
	snap := s.opts.Feed.Snapshot()
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, snapshotResponse{
		State:  snap.State,
		AsOf:   snap.AsOf,
		Quotes: aggregate.LatestByMarket(snap.Priority, snap.Bulk),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.opts.Status())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.opts.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregator is not configured")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	// The cycle outlives the request.
	started := s.opts.Feed.Refresh(context.WithoutCancel(r.Context()), force)
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]bool{"started": started})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
