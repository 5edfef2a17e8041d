package state_machine

// StateMachine is an interface representing the StateMachine of the Server defined in Section 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). It is inspired from the FSM interface defined in
// [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go)
type StateMachine interface {
	// Apply applies a committed command at the given log index and returns its output
	Apply(index uint64, command []byte) ([]byte, error)
	// Query reads the current state without modifying it
	Query(query []byte) ([]byte, error)
}
