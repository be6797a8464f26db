package miner

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/ulogger"
)

// StratumClient speaks the XMRig-like dialect to the pool: login, job
// notifications, submit, keepalived.
type StratumClient struct {
	logger ulogger.Logger
	addr   string
	login  string
	agent  string
	algo   string

	mu     sync.Mutex
	conn   net.Conn
	nextID uint64

	// Jobs delivers work pushed by the pool (login response and job
	// notifications).
	Jobs chan *PoolJob

	// pending maps request ids to response waiters.
	pendingMu sync.Mutex
	pending   map[uint64]chan *clientResponse

	connected atomic.Bool
}

// PoolJob is work received from the pool.
type PoolJob struct {
	JobID  string `json:"job_id"`
	Blob   string `json:"blob"`
	Target string `json:"target"`
	Height uint64 `json:"height"`
	Algo   string `json:"algo"`
}

type clientResponse struct {
	Result json.RawMessage
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
}

func NewStratumClient(logger ulogger.Logger, addr, login, agent, algo string) *StratumClient {
	return &StratumClient{
		logger:  logger,
		addr:    addr,
		login:   login,
		agent:   agent,
		algo:    algo,
		Jobs:    make(chan *PoolJob, 4),
		pending: make(map[uint64]chan *clientResponse),
	}
}

// Run keeps a connection alive until ctx is cancelled, reconnecting with
// linear backoff.
func (c *StratumClient) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			c.logger.Warnf("pool connection lost: %v, retrying in %s", err, backoff)
		}
		c.connected.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff += time.Second
		}
	}
}

func (c *StratumClient) connectAndServe(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	c.connected.Store(true)
	c.logger.Infof("connected to pool %s", c.addr)

	// Keepalive timer.
	keepaliveCtx, cancelKeepalive := context.WithCancel(ctx)
	defer cancelKeepalive()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-keepaliveCtx.Done():
				return
			case <-ticker.C:
				_, _ = c.call("keepalived", map[string]string{})
			}
		}
	}()

	// Login; the response carries the first job.
	go func() {
		result, err := c.call("login", map[string]interface{}{
			"login": c.login,
			"pass":  "x",
			"agent": c.agent,
			"algo":  []string{c.algo},
		})
		if err != nil {
			c.logger.Errorf("login failed: %v", err)
			_ = conn.Close()
			return
		}
		var loginResult struct {
			Job *PoolJob `json:"job"`
		}
		if json.Unmarshal(result, &loginResult) == nil && loginResult.Job != nil {
			c.deliverJob(loginResult.Job)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var line struct {
			ID     *uint64         `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}

		switch {
		case line.ID != nil:
			c.pendingMu.Lock()
			waiter := c.pending[*line.ID]
			delete(c.pending, *line.ID)
			c.pendingMu.Unlock()
			if waiter != nil {
				waiter <- &clientResponse{Result: line.Result, Error: line.Error}
			}

		case line.Method == "job":
			var job PoolJob
			if json.Unmarshal(line.Params, &job) == nil {
				c.deliverJob(&job)
			}
		}
	}

	return scanner.Err()
}

func (c *StratumClient) deliverJob(job *PoolJob) {
	// Drop a stale queued job so workers always see the newest.
	select {
	case c.Jobs <- job:
	default:
		select {
		case <-c.Jobs:
		default:
		}
		c.Jobs <- job
	}
}

// call performs one request/response round trip.
func (c *StratumClient) call(method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	if conn == nil {
		return nil, errors.NewServiceError("not connected")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	waiter := make(chan *clientResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = waiter
	c.pendingMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return nil, errors.New(errors.ErrUnknown, resp.Error.Message)
		}
		return resp.Result, nil
	case <-time.After(30 * time.Second):
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, errors.NewServiceError("request %d timed out", id)
	}
}

// Submit sends a found share. The error message carries the pool's
// rejection reason verbatim.
func (c *StratumClient) Submit(jobID, nonceHex, resultHex string) error {
	_, err := c.call("submit", map[string]string{
		"job_id": jobID,
		"nonce":  nonceHex,
		"result": resultHex,
	})
	return err
}
