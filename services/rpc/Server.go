package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/services/blockchain"
	"github.com/zion-terranova/ziond/services/p2p"
	"github.com/zion-terranova/ziond/ulogger"
)

// JSON-RPC 2.0 envelope types.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeUnauthorized   = -32001
)

// Server exposes the node over HTTP POST /jsonrpc.
type Server struct {
	logger ulogger.Logger
	params *chaincfg.Params
	chain  *blockchain.Blockchain
	peers  *p2p.Server

	listenAddr string
	token      string
}

func NewServer(logger ulogger.Logger, params *chaincfg.Params, chain *blockchain.Blockchain, peers *p2p.Server, listenAddr, token string) *Server {
	return &Server{
		logger:     logger,
		params:     params,
		chain:      chain,
		peers:      peers,
		listenAddr: listenAddr,
		token:      token,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         s.listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("rpc listening on %s", s.listenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.NewServiceError("rpc server: %v", err)
		}
		return nil
	}
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, &Response{Jsonrpc: "2.0", Error: &Error{Code: codeParse, Message: "parse error"}})
		return
	}

	if protectedMethods[req.Method] && !checkBearerToken(r, s.token) {
		s.writeResponse(w, &Response{Jsonrpc: "2.0", ID: req.ID, Error: &Error{Code: codeUnauthorized, Message: "unauthorized"}})
		return
	}

	result, rpcErr := s.dispatch(&req)

	resp := &Response{Jsonrpc: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	s.writeResponse(w, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warnf("writing rpc response: %v", err)
	}
}

func (s *Server) dispatch(req *Request) (interface{}, *Error) {
	switch req.Method {
	case "getInfo":
		return s.getInfo()
	case "getBlockTemplate":
		return s.getBlockTemplate(req.Params)
	case "submitBlock":
		return s.submitBlock(req.Params)
	case "submitTransaction":
		return s.submitTransaction(req.Params)
	case "getBlock":
		return s.getBlock(req.Params)
	case "getBlockByHeight":
		return s.getBlockByHeight(req.Params)
	case "getTransaction":
		return s.getTransaction(req.Params)
	case "getBalance":
		return s.getBalance(req.Params)
	case "getUtxos":
		return s.getUtxos(req.Params)
	case "getSyncStatus":
		return s.getSyncStatus()
	case "getMempoolInfo":
		return s.getMempoolInfo()
	case "getPremineInfo":
		return s.getPremineInfo()
	default:
		return nil, &Error{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
}
