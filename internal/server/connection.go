// Package server implements the TCP reactor and per-connection Stratum
// line protocol: enough of mining.subscribe/authorize/submit to exercise
// the job/share/broadcast core. Full Stratum method coverage is out of
// scope.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bitpool/stratumcore/internal/config"
	"github.com/bitpool/stratumcore/internal/job"
	"github.com/bitpool/stratumcore/internal/protocol"
	"github.com/bitpool/stratumcore/internal/registry"
	"github.com/bitpool/stratumcore/internal/share"

	"go.uber.org/zap"
)

// Presence is the subset of storage.RedisClient a connection uses to keep
// the online-worker presence set current. Best-effort: failures are
// logged, never surfaced to the miner.
type Presence interface {
	AddOnlineWorker(ctx context.Context, workerName string) error
	RemoveOnlineWorker(ctx context.Context, workerName string) error
}

// ConnectionState represents the current state of a connection.
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateSubscribed
	StateAuthorized
	StateDisconnected
)

// Repository is the subset of job.Repository a connection needs to send
// the current job on authorize.
type Repository interface {
	GetLatest() *job.ExtendedJob
}

// Validator is the subset of share.Validator a connection submits shares
// through.
type Validator interface {
	CheckShare(ctx context.Context, jobID uint64, extraNonce1 uint32, extraNonce2Hex string, nTime, nonce uint32, jobTargetHex, workFullName string) (share.Result, error)
}

// Connection represents a single Stratum client connection.
type Connection struct {
	id             string
	conn           net.Conn
	cfg            config.ServerConfig
	logger         *zap.Logger
	repo           Repository
	validator      Validator
	users          *registry.Registry
	workerWriter   *registry.WorkerWriter
	presence       Presence
	varDiff        *protocol.VarDiff
	extranonce2Sz  int

	state        int32
	workerName   string
	extranonce1  uint32
	extranonce1Hex string
	difficulty   float64
	diffState    *protocol.WorkerDiffState

	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a new connection handler. presence and varDiff may
// be nil, in which case presence tracking and difficulty retargeting are
// skipped.
func NewConnection(conn net.Conn, cfg config.ServerConfig, logger *zap.Logger, repo Repository, validator Validator, users *registry.Registry, workerWriter *registry.WorkerWriter, presence Presence, varDiff *protocol.VarDiff, extranonce2Size int, initialDifficulty float64) *Connection {
	return &Connection{
		id:            uuid.New().String()[:8],
		conn:          conn,
		cfg:           cfg,
		logger:        logger.Named("connection"),
		repo:          repo,
		validator:     validator,
		users:         users,
		workerWriter:  workerWriter,
		presence:      presence,
		varDiff:       varDiff,
		extranonce2Sz: extranonce2Size,
		reader:        bufio.NewReader(conn),
		closeChan:     make(chan struct{}),
		difficulty:    initialDifficulty,
		diffState:     protocol.NewWorkerDiffState(initialDifficulty),
	}
}

// ID returns the connection handle, satisfying session.Session.
func (c *Connection) ID() string {
	return c.id
}

// GetState returns the current connection state.
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// Handle processes the connection's read/write loop.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeChan:
			return nil
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.logger.Debug("connection read timeout", zap.String("id", c.id))
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		if err := c.handleMessage(ctx, line); err != nil {
			c.logger.Error("failed to handle message", zap.String("id", c.id), zap.Error(err))
		}
	}
}

// handleMessage parses and routes a JSON-RPC message.
func (c *Connection) handleMessage(ctx context.Context, data string) error {
	var msg protocol.Request
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return c.sendError(msg.ID, protocol.ErrParseError, "parse error")
	}

	switch msg.Method {
	case "mining.subscribe":
		return c.handleSubscribe(msg)
	case "mining.authorize":
		return c.handleAuthorize(msg)
	case "mining.submit":
		return c.handleSubmit(ctx, msg)
	case "mining.extranonce.subscribe":
		return c.sendResult(msg.ID, true)
	default:
		return c.sendError(msg.ID, protocol.ErrMethodNotFound, "method not found")
	}
}

func (c *Connection) handleSubscribe(req protocol.Request) error {
	subParams, _ := protocol.ParseSubscribeParams(req.Params)

	h := fnv.New32a()
	h.Write([]byte(c.id))
	c.extranonce1 = h.Sum32()
	c.extranonce1Hex = fmt.Sprintf("%08x", c.extranonce1)

	atomic.StoreInt32(&c.state, int32(StateSubscribed))

	c.logger.Debug("worker subscribed", zap.String("id", c.id), zap.String("user_agent", subParams.UserAgent))

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", c.id},
		{"mining.notify", c.id},
	}
	result := []interface{}{subscriptions, c.extranonce1Hex, c.extranonce2Sz}
	return c.sendResult(req.ID, result)
}

func (c *Connection) handleAuthorize(req protocol.Request) error {
	if c.GetState() < StateSubscribed {
		return c.sendError(req.ID, protocol.ErrUnauthorized, "not subscribed")
	}

	params, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil || params.Username == "" {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "invalid username")
	}
	username := params.Username

	c.workerName = username
	atomic.StoreInt32(&c.state, int32(StateAuthorized))

	c.logger.Info("worker authorized", zap.String("id", c.id), zap.String("worker", username))

	if userID, ok := c.users.GetUserID(rootName(username)); ok {
		c.workerWriter.AddWorker(userID, int64(workerIDFor(username)), username)
	}

	if c.presence != nil {
		if err := c.presence.AddOnlineWorker(context.Background(), username); err != nil {
			c.logger.Warn("failed to register online worker", zap.String("worker", username), zap.Error(err))
		}
	}

	if err := c.sendResult(req.ID, true); err != nil {
		return err
	}
	if err := c.sendDifficulty(c.difficulty); err != nil {
		return err
	}

	if latest := c.repo.GetLatest(); latest != nil {
		return c.SendMiningNotify(latest)
	}
	return nil
}

func (c *Connection) handleSubmit(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateAuthorized {
		return c.sendError(req.ID, protocol.ErrUnauthorized, "not authorized")
	}

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "invalid params")
	}

	workerName := params.WorkerName
	jobIDStr := params.JobID
	extranonce2 := params.Extranonce2
	ntimeHex := params.NTime
	nonceHex := params.Nonce

	jobID, err := strconv.ParseUint(jobIDStr, 10, 64)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "invalid job id")
	}
	nTime, err := parseHexUint32(ntimeHex)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "invalid ntime")
	}
	nonce, err := parseHexUint32(nonceHex)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "invalid nonce")
	}

	jobTargetHex := protocol.DifficultyToTargetHex(c.difficulty)

	result, err := c.validator.CheckShare(ctx, jobID, c.extranonce1, extranonce2, nTime, nonce, jobTargetHex, workerName)
	if err != nil {
		c.logger.Error("share validation error", zap.String("id", c.id), zap.Error(err))
		return c.sendError(req.ID, protocol.ErrInternalError, "internal error")
	}

	if result.Code != share.NoError {
		return c.sendError(req.ID, codeToStratumError(result.Code), string(result.Code))
	}

	if err := c.sendResult(req.ID, true); err != nil {
		return err
	}

	c.retarget()
	return nil
}

// retarget records this accepted share's timing and, if the VarDiff
// policy decides a retarget is due, pushes a new mining.set_difficulty.
func (c *Connection) retarget() {
	if c.varDiff == nil {
		return
	}
	c.diffState.RecordShare(time.Now())

	if !c.varDiff.ShouldRetarget(c.diffState) {
		return
	}
	newDiff, changed := c.varDiff.CalculateNewDifficulty(c.diffState)
	if !changed {
		return
	}

	c.difficulty = newDiff
	c.logger.Debug("difficulty retargeted", zap.String("id", c.id), zap.Float64("difficulty", newDiff))
	if err := c.sendDifficulty(newDiff); err != nil {
		c.logger.Warn("failed to send retargeted difficulty", zap.String("id", c.id), zap.Error(err))
	}
}

// SendMiningNotify delivers the precomputed mining.notify wire string,
// satisfying session.Session. The write is synchronous: it blocks until
// the peer accepts the data or the configured write timeout elapses.
func (c *Connection) SendMiningNotify(j *job.ExtendedJob) error {
	if c.GetState() < StateAuthorized {
		return nil
	}
	return c.sendRaw(j.MiningNotify())
}

func (c *Connection) sendDifficulty(difficulty float64) error {
	return c.sendNotification("mining.set_difficulty", []interface{}{difficulty})
}

func (c *Connection) sendResult(id interface{}, result interface{}) error {
	return c.send(protocol.Response{ID: id, Result: result})
}

func (c *Connection) sendError(id interface{}, code int, message string) error {
	return c.send(protocol.Response{ID: id, Error: protocol.NewError(code, message).ToJSON()})
}

func (c *Connection) sendNotification(method string, params interface{}) error {
	return c.send(protocol.Notification{Method: method, Params: params})
}

func (c *Connection) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.sendRaw(string(data))
}

// sendRaw writes a newline-terminated document to the connection.
func (c *Connection) sendRaw(doc string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := c.conn.Write(append([]byte(doc), '\n'))
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		close(c.closeChan)
		c.conn.Close()

		if c.presence != nil && c.workerName != "" {
			if err := c.presence.RemoveOnlineWorker(context.Background(), c.workerName); err != nil {
				c.logger.Warn("failed to remove online worker", zap.String("worker", c.workerName), zap.Error(err))
			}
		}
	})
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// workerIDFor derives a stable worker id from the full worker name
// ("user.worker"), since the bus/session layer doesn't otherwise assign
// one.
func workerIDFor(workerName string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(workerName))
	return h.Sum32()
}

// rootName strips a "user.worker" suffix to the account name the registry
// indexes on.
func rootName(workerName string) string {
	for i, r := range workerName {
		if r == '.' {
			return workerName[:i]
		}
	}
	return workerName
}

func codeToStratumError(code share.Code) int {
	switch code {
	case share.JobNotFound:
		return protocol.ErrJobNotFound
	case share.TimeTooOld, share.TimeTooNew:
		return protocol.ErrStaleShare
	case share.LowDifficulty:
		return protocol.ErrLowDifficultyShare
	default:
		return protocol.ErrInternalError
	}
}
