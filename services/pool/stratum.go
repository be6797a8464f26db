package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/services/blockchain"
	"github.com/zion-terranova/ziond/ulogger"
)

// Stratum error codes, matching what miners expect.
const (
	stratumErrUnknown       = -1
	stratumErrInvalidMethod = -32601
	stratumErrInvalidParams = -32602

	stratumErrJobNotFound   = 21
	stratumErrDuplicate     = 22
	stratumErrLowDifficulty = 23
	stratumErrUnauthorized  = 24
)

func stratumCodeFor(reason string) int {
	switch reason {
	case RejectJobNotFound:
		return stratumErrJobNotFound
	case RejectDuplicateShare:
		return stratumErrDuplicate
	case RejectLowDifficulty:
		return stratumErrLowDifficulty
	case RejectUnauthorized:
		return stratumErrUnauthorized
	case RejectInvalidNonceFormat:
		return stratumErrInvalidParams
	default:
		return stratumErrUnknown
	}
}

// stratumRequest is the inbound line shape shared by both dialects.
type stratumRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type stratumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type stratumResponse struct {
	ID      json.RawMessage `json:"id"`
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *stratumError   `json:"error,omitempty"`
}

// StratumConfig tunes the server.
type StratumConfig struct {
	ListenAddr        string
	IdleTimeout       time.Duration
	DefaultDifficulty uint64
	VarDiff           VarDiffConfig
	Extranonce2Size   int
}

func DefaultStratumConfig(listenAddr string) StratumConfig {
	return StratumConfig{
		ListenAddr:        listenAddr,
		IdleTimeout:       5 * time.Minute,
		DefaultDifficulty: 500_000,
		VarDiff:           DefaultVarDiffConfig(),
		Extranonce2Size:   4,
	}
}

// session couples the protocol state with its socket.
type session struct {
	conn    *Connection
	netConn net.Conn
}

// StratumServer speaks newline-delimited JSON to miners in both the
// XMRig-like dialect (login/submit/keepalived/getjob) and classic stratum
// (mining.subscribe/authorize/submit).
type StratumServer struct {
	logger    ulogger.Logger
	config    StratumConfig
	jobs      *JobManager
	templates *TemplateManager
	processor *ShareProcessor

	mu       sync.Mutex
	sessions map[string]*session
}

func NewStratumServer(logger ulogger.Logger, config StratumConfig, jobs *JobManager, templates *TemplateManager, processor *ShareProcessor) *StratumServer {
	return &StratumServer{
		logger:    logger,
		config:    config,
		jobs:      jobs,
		templates: templates,
		processor: processor,
		sessions:  make(map[string]*session),
	}
}

// Start accepts miners until ctx is cancelled.
func (s *StratumServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.NewServiceError("stratum listen on %s: %v", s.config.ListenAddr, err)
	}
	s.logger.Infof("stratum listening on %s", s.config.ListenAddr)

	go s.reapStaleSessions(ctx)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Warnf("stratum accept: %v", err)
				continue
			}
		}
		go s.handleMiner(ctx, conn)
	}
}

// SessionCount is the number of connected miners.
func (s *StratumServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// BroadcastTemplate pushes fresh work derived from a new template to every
// authenticated session.
func (s *StratumServer) BroadcastTemplate(tpl *blockchain.BlockTemplate) {
	job := s.jobs.NewJob(tpl)

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	pushed := 0
	for _, sess := range sessions {
		if sess.conn.State != StateAuthenticated {
			continue
		}
		s.pushJob(sess.conn, job)
		pushed++
	}

	if pushed > 0 {
		s.logger.Infof("job %s (height %d) pushed to %d miners", job.ID, job.Height, pushed)
	}
}

func (s *StratumServer) handleMiner(ctx context.Context, netConn net.Conn) {
	sessionID := uuid.NewString()
	conn := NewConnection(sessionID, netConn.RemoteAddr().String(), s.config.VarDiff, s.config.DefaultDifficulty)

	sess := &session{conn: conn, netConn: netConn}
	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.logger.Debugf("miner connected from %s (session %.8s)", conn.RemoteAddr, sessionID)

	defer func() {
		conn.State = StateDisconnecting
		_ = netConn.Close()
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		s.logger.Debugf("miner disconnected (session %.8s, %d accepted / %d rejected)",
			sessionID, conn.SharesAccepted, conn.SharesRejected)
	}()

	// Writer drains server-initiated lines and responses in order.
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case line := <-conn.Outbound:
				_ = netConn.SetWriteDeadline(time.Now().Add(30 * time.Second))
				if _, err := netConn.Write(append([]byte(line), '\n')); err != nil {
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req stratumRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.respondError(conn, nil, stratumErrInvalidParams, "malformed request")
			continue
		}

		conn.Touch()
		s.dispatch(conn, &req)

		if conn.State == StateDisconnecting {
			return
		}
	}
}

// dispatch routes one request. Protocol detection is sticky: the first
// method seen decides the session's dialect.
func (s *StratumServer) dispatch(conn *Connection, req *stratumRequest) {
	if conn.Protocol == ProtocolUnknown {
		if strings.HasPrefix(req.Method, "mining.") {
			conn.Protocol = ProtocolStratum
		} else {
			conn.Protocol = ProtocolXMRig
		}
	}

	switch req.Method {
	case "login":
		s.handleLogin(conn, req)
	case "mining.subscribe":
		s.handleSubscribe(conn, req)
	case "mining.authorize":
		s.handleAuthorize(conn, req)
	case "submit", "mining.submit":
		s.handleSubmit(conn, req)
	case "keepalived", "mining.ping":
		s.respond(conn, req.ID, map[string]string{"status": "KEEPALIVED"})
	case "getjob", "mining.get_job":
		s.handleGetJob(conn, req)
	default:
		s.respondError(conn, req.ID, stratumErrInvalidMethod, "unknown method "+req.Method)
	}
}

// handleLogin is the XMRig entry point: authenticate and return the first
// job in one response.
func (s *StratumServer) handleLogin(conn *Connection, req *stratumRequest) {
	var params struct {
		Login string `json:"login"`
		Pass  string `json:"pass"`
		Agent string `json:"agent"`
		Algo  []string `json:"algo"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.respondError(conn, req.ID, stratumErrInvalidParams, "malformed login")
		return
	}

	wallet, worker := splitWorkerLogin(params.Login)
	if !crypto.ValidateAddress(wallet) {
		s.respondError(conn, req.ID, stratumErrUnauthorized, "invalid wallet address")
		return
	}

	conn.WalletAddress = wallet
	conn.WorkerName = worker
	conn.UserAgent = params.Agent
	if len(params.Algo) > 0 {
		if algo, ok := crypto.ParseAlgorithm(params.Algo[0]); ok {
			conn.Algorithm = algo
		}
	}
	conn.State = StateAuthenticated

	job, err := s.currentJob()
	if err != nil {
		s.respondError(conn, req.ID, stratumErrUnknown, "no work available")
		return
	}
	conn.CurrentJobID = job.ID

	s.respond(conn, req.ID, map[string]interface{}{
		"id":     conn.SessionID,
		"job":    s.xmrigJob(conn, job),
		"status": "OK",
	})
	s.logger.Infof("miner authenticated: %s (%s)", conn.WorkerID(), conn.RemoteAddr)
}

// handleSubscribe is classic stratum step one: hand out the subscription
// and extranonce parameters.
func (s *StratumServer) handleSubscribe(conn *Connection, req *stratumRequest) {
	conn.SubscriptionID = uuid.NewString()
	if conn.State == StateConnected {
		conn.State = StateSubscribed
	}

	result := []interface{}{
		[][]string{
			{"mining.set_difficulty", conn.SubscriptionID},
			{"mining.notify", conn.SubscriptionID},
		},
		conn.Extranonce1,
		s.config.Extranonce2Size,
	}
	s.respond(conn, req.ID, result)
}

// handleAuthorize is classic stratum step two.
func (s *StratumServer) handleAuthorize(conn *Connection, req *stratumRequest) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		s.respondError(conn, req.ID, stratumErrInvalidParams, "malformed authorize")
		return
	}

	wallet, worker := splitWorkerLogin(params[0])
	if !crypto.ValidateAddress(wallet) {
		s.respondError(conn, req.ID, stratumErrUnauthorized, "invalid wallet address")
		return
	}

	conn.WalletAddress = wallet
	conn.WorkerName = worker
	conn.State = StateAuthenticated

	s.respond(conn, req.ID, true)
	s.logger.Infof("worker authorized: %s (%s)", conn.WorkerID(), conn.RemoteAddr)

	if job, err := s.currentJob(); err == nil {
		conn.CurrentJobID = job.ID
		s.pushDifficulty(conn, conn.Difficulty)
		s.pushJob(conn, job)
	}
}

func (s *StratumServer) handleSubmit(conn *Connection, req *stratumRequest) {
	jobID, nonce, result, ok := parseSubmitParams(conn.Protocol, req.Params)
	if !ok {
		s.respondError(conn, req.ID, stratumErrInvalidParams, "malformed submit")
		return
	}

	outcome := s.processor.Process(conn, jobID, nonce, result)

	if !outcome.Accepted {
		s.respondError(conn, req.ID, stratumCodeFor(outcome.Reason), outcome.Reason)
	} else if conn.Protocol == ProtocolStratum {
		s.respond(conn, req.ID, true)
	} else {
		s.respond(conn, req.ID, map[string]string{"status": "OK"})
	}

	// Retarget after every submission; a change pushes the new difficulty
	// and a fresh job framed against it.
	if next, changed := conn.VarDiff.OnShare(time.Now(), outcome.Accepted, conn.Difficulty); changed {
		conn.Difficulty = next
		s.logger.Debugf("vardiff retarget for %s: %d", conn.WorkerID(), next)
		s.pushDifficulty(conn, next)
		if job, err := s.currentJob(); err == nil {
			conn.CurrentJobID = job.ID
			s.pushJob(conn, job)
		}
	}
}

func (s *StratumServer) handleGetJob(conn *Connection, req *stratumRequest) {
	if conn.State != StateAuthenticated {
		s.respondError(conn, req.ID, stratumErrUnauthorized, RejectUnauthorized)
		return
	}
	job, err := s.currentJob()
	if err != nil {
		s.respondError(conn, req.ID, stratumErrUnknown, "no work available")
		return
	}
	conn.CurrentJobID = job.ID
	s.respond(conn, req.ID, s.xmrigJob(conn, job))
}

// currentJob derives a job from the live template.
func (s *StratumServer) currentJob() (*Job, error) {
	tpl, err := s.templates.Current()
	if err != nil {
		return nil, err
	}
	return s.jobs.NewJob(tpl), nil
}

// xmrigJob frames a job for the XMRig dialect: the target encodes the
// session's share difficulty, not the network difficulty.
func (s *StratumServer) xmrigJob(conn *Connection, job *Job) map[string]interface{} {
	return map[string]interface{}{
		"blob":   job.Blob,
		"job_id": job.ID,
		"target": crypto.TargetHex(conn.Difficulty),
		"height": job.Height,
		"algo":   job.Algorithm.String(),
	}
}

// pushJob sends a server-initiated job notification in the session's
// dialect.
func (s *StratumServer) pushJob(conn *Connection, job *Job) {
	conn.CurrentJobID = job.ID

	var line []byte
	var err error
	if conn.Protocol == ProtocolStratum {
		line, err = json.Marshal(map[string]interface{}{
			"id":     nil,
			"method": "mining.notify",
			"params": []interface{}{job.ID, job.Blob, crypto.TargetHex(conn.Difficulty), job.Height, true},
		})
	} else {
		line, err = json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "job",
			"params":  s.xmrigJob(conn, job),
		})
	}
	if err != nil {
		return
	}
	if !conn.Send(string(line)) {
		s.logger.Debugf("job push dropped for %s (slow writer)", conn.WorkerID())
	}
}

func (s *StratumServer) pushDifficulty(conn *Connection, difficulty uint64) {
	line, err := json.Marshal(map[string]interface{}{
		"id":     nil,
		"method": "mining.set_difficulty",
		"params": []interface{}{difficulty},
	})
	if err != nil {
		return
	}
	conn.Send(string(line))
}

func (s *StratumServer) respond(conn *Connection, id json.RawMessage, result interface{}) {
	line, err := json.Marshal(stratumResponse{ID: id, Jsonrpc: "2.0", Result: result})
	if err != nil {
		return
	}
	conn.Send(string(line))
}

func (s *StratumServer) respondError(conn *Connection, id json.RawMessage, code int, message string) {
	line, err := json.Marshal(stratumResponse{
		ID:      id,
		Jsonrpc: "2.0",
		Error:   &stratumError{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	conn.Send(string(line))
}

// reapStaleSessions closes connections idle past the timeout.
func (s *StratumServer) reapStaleSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		var stale []*session
		for _, sess := range s.sessions {
			if sess.conn.IsStale(s.config.IdleTimeout) {
				stale = append(stale, sess)
			}
		}
		s.mu.Unlock()

		for _, sess := range stale {
			s.logger.Infof("disconnecting idle miner %s", sess.conn.WorkerID())
			sess.conn.State = StateDisconnecting
			_ = sess.netConn.Close()
		}
	}
}

// splitWorkerLogin splits "wallet.worker" logins.
func splitWorkerLogin(login string) (string, string) {
	if idx := strings.IndexByte(login, '.'); idx > 0 {
		return login[:idx], login[idx+1:]
	}
	return login, ""
}

// parseSubmitParams extracts (job_id, nonce, result) from either dialect.
// XMRig sends an object; classic stratum sends a positional array of
// [worker, job_id, nonce] or [worker, job_id, extranonce2, ntime, nonce].
func parseSubmitParams(protocol Protocol, raw json.RawMessage) (string, string, string, bool) {
	if protocol != ProtocolStratum {
		var params struct {
			JobID  string `json:"job_id"`
			Nonce  string `json:"nonce"`
			Result string `json:"result"`
		}
		if err := json.Unmarshal(raw, &params); err != nil || params.JobID == "" {
			return "", "", "", false
		}
		return params.JobID, params.Nonce, params.Result, true
	}

	var params []string
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 3 {
		return "", "", "", false
	}
	// nonce is the final positional parameter in both shapes.
	return params[1], params[len(params)-1], "", true
}
