package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by Shard.Open after an explicit Stop.
	ErrStopped = errors.New("gateway: shard stopped")
	// ErrHelloTimeout means the server never sent Hello after the socket opened.
	ErrHelloTimeout = errors.New("gateway: hello timeout")
	// ErrSessionInvalidated is logged when the server rejects a session. The
	// shard re-identifies on its own; callers never see it as a failure.
	ErrSessionInvalidated = errors.New("gateway: session invalidated")
	// ErrNotReady is returned by outbound commands on a shard that is not Ready.
	ErrNotReady = errors.New("gateway: shard not ready")
	// ErrZombie marks a connection closed after consecutive missed heartbeat acks.
	ErrZombie = errors.New("gateway: heartbeat acks missed")
)

// CloseError is a close frame received from the server.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway: closed by server (%d %s)", e.Code, e.Reason)
}

// FatalError stops a shard permanently. The manager does not restart it.
type FatalError struct {
	ShardID   int
	Code      int
	Reason    string
	State     State
	SessionID string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("gateway: shard %d fatal close %d (%s) in state %s", e.ShardID, e.Code, e.Reason, e.State)
}

// DisconnectError ends one connection. Resumable tells the manager whether
// the session may still be resumed.
type DisconnectError struct {
	ShardID   int
	Code      int
	Reason    string
	Resumable bool
	Err       error
}

func (e *DisconnectError) Error() string {
	mode := "identify"
	if e.Resumable {
		mode = "resume"
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway: shard %d disconnected (%s, will %s): %v", e.ShardID, e.Reason, mode, e.Err)
	}
	return fmt.Sprintf("gateway: shard %d disconnected (%d %s, will %s)", e.ShardID, e.Code, e.Reason, mode)
}

func (e *DisconnectError) Unwrap() error { return e.Err }
