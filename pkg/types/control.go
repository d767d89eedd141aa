package types

import "time"

// ConnectionStatus is the lifecycle state of a ControlConnection.
type ConnectionStatus string

const (
	ConnStatusConnected ConnectionStatus = "Connected"
	ConnStatusActive    ConnectionStatus = "Active"
	ConnStatusDegraded  ConnectionStatus = "Degraded"
	ConnStatusClosing   ConnectionStatus = "Closing"
	ConnStatusClosed    ConnectionStatus = "Closed"
)

// ControlConnection is one accepted connection on an instance listener.
type ControlConnection struct {
	ID            string           `json:"id"`
	PeerAddr      string           `json:"peer_addr"`
	InstanceID    string           `json:"instance_id,omitempty"`
	SessionID     string           `json:"session_id,omitempty"`
	Authenticated bool             `json:"authenticated"`
	ConnectedAt   time.Time        `json:"connected_at"`
	LastActivity  time.Time        `json:"last_activity"`
	HeartbeatSeq  uint64           `json:"heartbeat_seq"`
	Status        ConnectionStatus `json:"status"`
}

// MessageType names the envelope's message kind on the control channel.
type MessageType string

const (
	MsgAuthRequest     MessageType = "AuthRequest"
	MsgAuthResponse    MessageType = "AuthResponse"
	MsgExecuteRequest  MessageType = "ExecuteRequest"
	MsgExecuteResponse MessageType = "ExecuteResponse"
	MsgCancel          MessageType = "Cancel"
	MsgSignal          MessageType = "Signal"
	MsgHeartbeat       MessageType = "Heartbeat"
	MsgError           MessageType = "Error"
)

// WireVersion is the current control-channel wire format version.
const WireVersion uint8 = 1

// Envelope is the fixed header wrapping every control-channel frame.
type Envelope struct {
	MessageType MessageType `json:"message_type"`
	RequestID   uint64      `json:"request_id"`
	Timestamp   int64       `json:"timestamp"`
	Version     uint8       `json:"version"`
	Payload     []byte      `json:"payload"`
}

// AuthRequest is the first frame a connecting instance must send.
type AuthRequest struct {
	InstanceID   string            `json:"instance_id"`
	Token        string            `json:"token"`
	ClientVersion string           `json:"client_version,omitempty"`
	ClientType   string            `json:"client_type,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// AuthResponse answers an AuthRequest.
type AuthResponse struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"session_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ExecuteRequest asks a connected instance to run one invocation.
type ExecuteRequest struct {
	TaskID       string         `json:"task_id"`
	FunctionName string         `json:"function_name"`
	Args         map[string]any `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	TimeoutMs    int64          `json:"timeout_ms"`
}

// ExecuteResponse is an instance's reply to an ExecuteRequest.
type ExecuteResponse struct {
	TaskID   string         `json:"task_id"`
	Status   ExecuteStatus  `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
}

// SignalKind names a best-effort directive sent to a running instance.
type SignalKind string

const (
	SignalCancel SignalKind = "Cancel"
)

// Signal asks an instance to act on an in-flight request.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	RequestID uint64     `json:"request_id"`
}

// Heartbeat carries a sequence number echoed by the peer.
type Heartbeat struct {
	Sequence uint64 `json:"sequence"`
}

// ErrorPayload is carried by an Error-typed envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}
