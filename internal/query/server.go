package query

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/coreerrors"
	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
	"github.com/klingon-exchange/klingon-v2/internal/registry"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes, plus the Query API's own
// application-level code for a rejected query.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InternalError  = -32603
	InvalidQuery   = -32001
)

// Server is the read-only JSON-RPC 2.0 Query API server. It holds no
// write path: every handler reads the shared book/registry state that
// the coordinator's pipeline mutates.
type Server struct {
	cfg   *config.Config
	books map[config.ChainID]*orderbook.Book
	regs  map[config.ChainID]*registry.Registry

	log   *logging.Logger
	wsHub *WSHub

	handlers map[string]Handler
	mu       sync.RWMutex

	server   *http.Server
	listener net.Listener
}

// New constructs a Server. books/regs are keyed by chain so getBids,
// getAsks, and getPendingTransfers can address either side of the pair;
// book is the same *orderbook.Book for both chains since the pair shares
// one book, but the registries are per-chain.
func New(cfg *config.Config, book *orderbook.Book, regs map[config.ChainID]*registry.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		books:    map[config.ChainID]*orderbook.Book{cfg.BaseChain: book, cfg.OtherChain(cfg.BaseChain): book},
		regs:     regs,
		log:      logging.GetDefault().Component("query"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["getMarket"] = s.getMarket
	s.handlers["getBids"] = s.getBids
	s.handlers["getAsks"] = s.getAsks
	s.handlers["getOrders"] = s.getOrders
	s.handlers["getPendingTransfers"] = s.getPendingTransfers
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("query API server error", "error", err)
		}
	}()

	s.log.Info("query API server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// NotifyBookChanged pushes a book-update event to subscribed WebSocket
// clients; the coordinator calls this after every processed block.
func (s *Server) NotifyBookChanged(chain config.ChainID) {
	book, ok := s.books[chain]
	if !ok {
		return
	}
	s.wsHub.Broadcast(EventMarket, GetMarket(book))
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		if coreerrors.Is(err, coreerrors.KindInvalidQuery) {
			s.writeError(w, req.ID, InvalidQuery, err.Error(), nil)
			return
		}
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

// --- handlers ---

type marketParams struct {
	Chain string `json:"chain"`
}

func (s *Server) getMarket(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p marketParams
	json.Unmarshal(params, &p)
	chain, err := chainFromString(s.cfg, p.Chain)
	if err != nil {
		return nil, err
	}
	return GetMarket(s.books[chain]), nil
}

type sidePageParams struct {
	Chain        string `json:"chain"`
	SourceWallet string `json:"sourceWallet,omitempty"`
	Cursor       string `json:"cursor,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func (s *Server) getBids(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sidePageParams
	json.Unmarshal(params, &p)
	chain, err := chainFromString(s.cfg, p.Chain)
	if err != nil {
		return nil, err
	}
	page, err := ParsePage(s.cfg, p.Cursor, p.Limit)
	if err != nil {
		return nil, err
	}
	return GetBids(s.cfg, s.books[chain], page, p.SourceWallet), nil
}

func (s *Server) getAsks(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sidePageParams
	json.Unmarshal(params, &p)
	chain, err := chainFromString(s.cfg, p.Chain)
	if err != nil {
		return nil, err
	}
	page, err := ParsePage(s.cfg, p.Cursor, p.Limit)
	if err != nil {
		return nil, err
	}
	return GetAsks(s.cfg, s.books[chain], page, p.SourceWallet), nil
}

type orderParams struct {
	Chain string `json:"chain"`
	ID    string `json:"id"`
}

func (s *Server) getOrders(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindInvalidQuery, "invalid params", err)
	}
	chain, err := chainFromString(s.cfg, p.Chain)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, coreerrors.New(coreerrors.KindInvalidQuery, "id is required")
	}
	order, ok := GetOrder(s.books[chain], p.ID)
	if !ok {
		return nil, coreerrors.New(coreerrors.KindInvalidQuery, "order not found")
	}
	return order, nil
}

type pendingTransfersParams struct {
	Chain  string `json:"chain"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) getPendingTransfers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p pendingTransfersParams
	json.Unmarshal(params, &p)
	chain, err := chainFromString(s.cfg, p.Chain)
	if err != nil {
		return nil, err
	}
	reg, ok := s.regs[chain]
	if !ok {
		return nil, coreerrors.New(coreerrors.KindInvalidQuery, "no registry for chain")
	}
	page, err := ParsePage(s.cfg, p.Cursor, p.Limit)
	if err != nil {
		return nil, err
	}
	return GetPendingTransfers(reg, chain, page), nil
}
