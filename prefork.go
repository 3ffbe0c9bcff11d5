package prefork

import (
	"syscall"
	"time"
)

// Worker environment and descriptor layout
const (
	// EnvWorkerID carries the worker id into a spawned worker process
	EnvWorkerID = "PREFORK_WORKER_ID"

	// EnvGeneration carries the spawning generation into a worker process
	EnvGeneration = "PREFORK_GENERATION"

	// ToWorkerFD is the inherited descriptor the worker reads replies from
	ToWorkerFD = 3

	// ToManagerFD is the inherited descriptor the worker writes calls to
	ToManagerFD = 4

	// FinalizeMethod is the reserved method name of the finalize handshake
	FinalizeMethod = "finalize"
)

// Manager defaults
const (
	// DefaultSpawnInterval is the cooldown after a successful spawn or stop
	DefaultSpawnInterval = 0

	// DefaultErrRespawnInterval is the cooldown after a spawn failure or a
	// failed worker exit
	DefaultErrRespawnInterval = 1 * time.Second

	// DefaultMaxWait bounds the blocking wait step of one loop tick
	DefaultMaxWait = 1 * time.Second

	// DefaultWriteTimeout bounds a single message write to a worker
	DefaultWriteTimeout = 5 * time.Second

	// DefaultShutdownTimeout is how long shutdown waits before killing workers
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultStopSignal is sent to a worker when the pool shrinks
	DefaultStopSignal = syscall.SIGTERM

	// MaxLineSize caps one message line sent by a worker to the manager
	MaxLineSize = 1 << 20

	// readChunkSize is the size of one non-blocking read
	readChunkSize = 4096
)

// Operation identifies the step an OpError came from
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpSend writes a message to a channel
	OpSend
	// OpReceive reads a message from a channel
	OpReceive
	// OpCall is a worker-side synchronous call
	OpCall
	// OpFinish is the worker-side finalize and exit sequence
	OpFinish
	// OpSpawn creates a worker process
	OpSpawn
	// OpSignal delivers a signal to a worker
	OpSignal
	// OpReap collects an exited worker
	OpReap
	// OpDispatch services an inbound call
	OpDispatch
)

// Operation string constants
const (
	opUnknownStr  = "unknown"
	opSendStr     = "send"
	opReceiveStr  = "receive"
	opCallStr     = "call"
	opFinishStr   = "finish"
	opSpawnStr    = "spawn"
	opSignalStr   = "signal"
	opReapStr     = "reap"
	opDispatchStr = "dispatch"
)

// String returns the string representation of an Operation
func (op Operation) String() string {
	switch op {
	case OpSend:
		return opSendStr
	case OpReceive:
		return opReceiveStr
	case OpCall:
		return opCallStr
	case OpFinish:
		return opFinishStr
	case OpSpawn:
		return opSpawnStr
	case OpSignal:
		return opSignalStr
	case OpReap:
		return opReapStr
	case OpDispatch:
		return opDispatchStr
	default:
		return opUnknownStr
	}
}
