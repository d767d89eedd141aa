package control

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/types"
	"github.com/google/uuid"
)

// Directory is the subset of scheduler.Scheduler the control channel needs:
// authenticating a connecting instance against its issued secret, and
// reporting lifecycle transitions observed on the wire.
type Directory interface {
	Lookup(instanceID string) (*types.Instance, bool)
	MarkStatus(instanceID string, status types.InstanceStatus)
}

// Config tunes the listener's auth and heartbeat behavior.
type Config struct {
	AuthTimeout      time.Duration
	HeartbeatPeriod  time.Duration
	MaxMissedBeats   int
}

// DefaultConfig matches spec's single-host dev defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:     5 * time.Second,
		HeartbeatPeriod: 10 * time.Second,
		MaxMissedBeats:  3,
	}
}

// pendingRequest tracks one in-flight ExecuteRequest awaiting its response.
type pendingRequest struct {
	respCh chan types.ExecuteResponse
	errCh  chan error
}

// Conn is one accepted, potentially-authenticated control connection.
type Conn struct {
	mu    sync.Mutex
	nc    net.Conn
	state types.ControlConnection

	writeMu  sync.Mutex
	pending  map[uint64]*pendingRequest
	closed   chan struct{}
	closeOnce sync.Once
}

// Manager accepts instance connections, authenticates them against the
// directory's issued secrets, and multiplexes ExecuteRequest/Response
// pairs over each connection's length-framed channel, grounded on the
// teacher's per-connection read-loop + heartbeat idiom used for its
// cluster gossip transport.
type Manager struct {
	cfg   Config
	dir   Directory
	ln    net.Listener

	mu    sync.Mutex
	conns map[string]*Conn // keyed by instance ID
}

// NewManager creates a Manager that authenticates instances through dir;
// Serve accepts connections on a listener supplied by the caller.
func NewManager(cfg Config, dir Directory) *Manager {
	return &Manager{
		cfg:   cfg,
		dir:   dir,
		conns: make(map[string]*Conn),
	}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	m.ln = ln
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return apperr.Wrap(apperr.Transport, err, "accept control connection")
			}
		}
		go m.handle(ctx, nc)
	}
}

func (m *Manager) handle(ctx context.Context, nc net.Conn) {
	conn := &Conn{
		nc: nc,
		state: types.ControlConnection{
			ID:          uuid.NewString(),
			PeerAddr:    nc.RemoteAddr().String(),
			ConnectedAt: time.Now(),
			Status:      types.ConnStatusConnected,
		},
		pending: make(map[uint64]*pendingRequest),
		closed:  make(chan struct{}),
	}
	defer m.closeConn(conn)

	if err := m.authenticate(conn); err != nil {
		log.WithComponent("control").Warn("authentication failed: " + err.Error())
		return
	}
	metrics.ControlConnectionsTotal.WithLabelValues(string(types.ConnStatusActive)).Inc()

	m.mu.Lock()
	m.conns[conn.state.InstanceID] = conn
	m.mu.Unlock()

	go m.heartbeatLoop(conn)
	m.readLoop(conn)
}

func (m *Manager) authenticate(conn *Conn) error {
	type result struct {
		env types.Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		env, err := ReadFrame(conn.nc)
		done <- result{env, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if r.env.MessageType != types.MsgAuthRequest {
			return apperr.Newf(apperr.InvalidArgument, "expected AuthRequest, got %s", r.env.MessageType)
		}
		var req types.AuthRequest
		if err := json.Unmarshal(r.env.Payload, &req); err != nil {
			return apperr.Wrap(apperr.InvalidArgument, err, "decode AuthRequest")
		}

		inst, ok := m.dir.Lookup(req.InstanceID)
		if !ok || inst.Secret != req.Token {
			resp, _ := newEnvelope(types.MsgAuthResponse, r.env.RequestID, types.AuthResponse{
				Success: false, ErrorMessage: "invalid instance_id or token",
			})
			_ = WriteFrame(conn.nc, resp)
			return apperr.Newf(apperr.FailedPrecondition, "auth rejected for instance %s", req.InstanceID)
		}

		conn.state.InstanceID = req.InstanceID
		conn.state.Authenticated = true
		conn.state.Status = types.ConnStatusActive
		conn.state.LastActivity = time.Now()
		inst.ListenerEndpoint = conn.state.PeerAddr
		m.dir.MarkStatus(req.InstanceID, types.InstanceReady)

		resp, err := newEnvelope(types.MsgAuthResponse, r.env.RequestID, types.AuthResponse{
			Success: true, SessionID: conn.state.ID,
		})
		if err != nil {
			return err
		}
		return WriteFrame(conn.nc, resp)

	case <-time.After(m.cfg.AuthTimeout):
		return apperr.New(apperr.Timeout, "auth_timeout exceeded waiting for AuthRequest")
	}
}

func (m *Manager) readLoop(conn *Conn) {
	for {
		env, err := ReadFrame(conn.nc)
		if err != nil {
			m.dir.MarkStatus(conn.state.InstanceID, types.InstanceFailed)
			return
		}
		conn.mu.Lock()
		conn.state.LastActivity = time.Now()
		conn.mu.Unlock()

		switch env.MessageType {
		case types.MsgExecuteResponse:
			var resp types.ExecuteResponse
			if err := json.Unmarshal(env.Payload, &resp); err != nil {
				continue
			}
			conn.mu.Lock()
			p, ok := conn.pending[env.RequestID]
			if ok {
				delete(conn.pending, env.RequestID)
			}
			conn.mu.Unlock()
			if ok {
				p.respCh <- resp
			}
		case types.MsgHeartbeat:
			conn.mu.Lock()
			conn.state.HeartbeatSeq++
			conn.mu.Unlock()
		case types.MsgError:
			var payload types.ErrorPayload
			_ = json.Unmarshal(env.Payload, &payload)
			conn.mu.Lock()
			p, ok := conn.pending[env.RequestID]
			if ok {
				delete(conn.pending, env.RequestID)
			}
			conn.mu.Unlock()
			if ok {
				p.errCh <- apperr.New(apperr.Internal, payload.Message)
			}
		}
	}
}

func (m *Manager) heartbeatLoop(conn *Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	missed := 0
	var lastSeen uint64

	for {
		select {
		case <-conn.closed:
			return
		case <-ticker.C:
			conn.mu.Lock()
			seq := conn.state.HeartbeatSeq
			conn.mu.Unlock()

			if seq == lastSeen {
				missed++
				metrics.ControlHeartbeatsMissed.Inc()
			} else {
				missed = 0
				lastSeen = seq
			}

			if missed >= m.cfg.MaxMissedBeats {
				conn.mu.Lock()
				conn.state.Status = types.ConnStatusDegraded
				conn.mu.Unlock()
				m.dir.MarkStatus(conn.state.InstanceID, types.InstanceFailed)
				_ = conn.nc.Close()
				return
			}

			env, err := newEnvelope(types.MsgHeartbeat, 0, types.Heartbeat{Sequence: seq + 1})
			if err == nil {
				conn.writeMu.Lock()
				_ = WriteFrame(conn.nc, env)
				conn.writeMu.Unlock()
			}
		}
	}
}

// Execute sends an ExecuteRequest, tagged with requestID, to the
// instance's connection and blocks for its ExecuteResponse, timing out
// per req.TimeoutMs. The caller supplies requestID (rather than letting
// the connection assign one) so it can later correlate a Cancel signal
// with the exact in-flight request.
func (m *Manager) Execute(ctx context.Context, instanceID string, requestID uint64, req types.ExecuteRequest) (*types.ExecuteResponse, error) {
	m.mu.Lock()
	conn, ok := m.conns[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.Newf(apperr.Unavailable, "no control connection for instance %s", instanceID)
	}

	reqID := requestID
	p := &pendingRequest{respCh: make(chan types.ExecuteResponse, 1), errCh: make(chan error, 1)}
	conn.mu.Lock()
	conn.pending[reqID] = p
	conn.mu.Unlock()

	env, err := newEnvelope(types.MsgExecuteRequest, reqID, req)
	if err != nil {
		return nil, err
	}
	conn.writeMu.Lock()
	writeErr := WriteFrame(conn.nc, env)
	conn.writeMu.Unlock()
	if writeErr != nil {
		return nil, apperr.Wrap(apperr.Transport, writeErr, "send ExecuteRequest")
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-p.respCh:
		return &resp, nil
	case err := <-p.errCh:
		return nil, err
	case <-time.After(timeout):
		conn.mu.Lock()
		delete(conn.pending, reqID)
		conn.mu.Unlock()
		return nil, apperr.Newf(apperr.Timeout, "execute request %d timed out", reqID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel best-effort signals an in-flight request for cancellation.
func (m *Manager) Cancel(instanceID string, requestID uint64) error {
	m.mu.Lock()
	conn, ok := m.conns[instanceID]
	m.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.Unavailable, "no control connection for instance %s", instanceID)
	}
	env, err := newEnvelope(types.MsgSignal, requestID, types.Signal{Kind: types.SignalCancel, RequestID: requestID})
	if err != nil {
		return err
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	return WriteFrame(conn.nc, env)
}

func (m *Manager) closeConn(conn *Conn) {
	conn.closeOnce.Do(func() { close(conn.closed) })
	_ = conn.nc.Close()
	m.mu.Lock()
	if m.conns[conn.state.InstanceID] == conn {
		delete(m.conns, conn.state.InstanceID)
	}
	m.mu.Unlock()
	metrics.ControlConnectionsTotal.WithLabelValues(string(types.ConnStatusClosed)).Inc()
}
