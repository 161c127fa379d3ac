package gateway

import (
	"errors"
	"fmt"
)

type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

// Close codes sent by the gateway.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

var (
	// ErrFatalClose wraps every *CloseError whose code forbids reconnecting.
	ErrFatalClose    = errors.New("gateway: fatal close")
	ErrInvalidConfig = errors.New("gateway: invalid config")
	ErrNotConnected  = errors.New("gateway: shard not connected")
	ErrSendQueueFull = errors.New("gateway: send queue full")
	ErrClosed        = errors.New("gateway: manager closed")
)

// CloseError is a close frame received from the gateway.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway: closed with code %d", e.Code)
	}
	return fmt.Sprintf("gateway: closed with code %d: %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	if e.Fatal() {
		return ErrFatalClose
	}
	return nil
}

// Fatal reports whether reconnecting cannot succeed without a config change.
func (e *CloseError) Fatal() bool {
	switch e.Code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	}
	return false
}

// Resumable reports whether the session survives this close.
func (e *CloseError) Resumable() bool {
	switch e.Code {
	case CloseInvalidSeq, CloseSessionTimedOut:
		return false
	}
	return !e.Fatal()
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateIdentifying:
		return "IDENTIFYING"
	case StateResuming:
		return "RESUMING"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
