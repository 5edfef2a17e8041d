package state_machine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedCommand = errors.New("malformed command")
)

var okResult = []byte("OK")

// KVStateMachine is a simple key-value store that implements the StateMachine interface
type KVStateMachine struct {
	mu    sync.RWMutex
	store map[string]string
	// Index of the last command applied
	lastIndex uint64
	log       *zap.Logger
}

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(log *zap.Logger) *KVStateMachine {
	if log == nil {
		log = zap.NewNop()
	}
	return &KVStateMachine{
		store: make(map[string]string),
		log:   log.Named("kv"),
	}
}

// Apply applies a single command to the state machine.
// Commands are expected to be in the format: "SET key=value" or "DEL key"
func (kv *KVStateMachine) Apply(index uint64, command []byte) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if index > kv.lastIndex {
		kv.lastIndex = index
	}

	parts := strings.Fields(string(command))
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty command at index %d", ErrMalformedCommand, index)
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: SET requires key=value", ErrMalformedCommand)
		}
		// Parse "key=value"
		kvPair := strings.SplitN(parts[1], "=", 2)
		if len(kvPair) != 2 {
			return nil, fmt.Errorf("%w: SET requires key=value", ErrMalformedCommand)
		}
		kv.store[kvPair[0]] = kvPair[1]
		kv.log.Debug("Applied SET", zap.String("key", kvPair[0]), zap.Uint64("index", index))
		return okResult, nil
	case "DEL":
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: DEL requires a key", ErrMalformedCommand)
		}
		delete(kv.store, parts[1])
		kv.log.Debug("Applied DEL", zap.String("key", parts[1]), zap.Uint64("index", index))
		return okResult, nil
	default:
		return nil, fmt.Errorf("%w: %q at index %d", ErrUnknownCommand, parts[0], index)
	}
}

// Query reads the store. Queries are expected to be in the format "GET key". A missing key yields an empty result.
func (kv *KVStateMachine) Query(query []byte) ([]byte, error) {
	parts := strings.Fields(string(query))
	if len(parts) != 2 || strings.ToUpper(parts[0]) != "GET" {
		return nil, fmt.Errorf("%w: expected GET key, got %q", ErrUnknownCommand, string(query))
	}

	value, _ := kv.Get(parts[1])
	return []byte(value), nil
}

// Get returns the value stored under key
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// GetAll returns a copy of all key-value pairs
func (kv *KVStateMachine) GetAll() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	out := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		out[k] = v
	}
	return out
}

// LastIndex returns the index of the last applied command
func (kv *KVStateMachine) LastIndex() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.lastIndex
}
