package agent

// Event topics published by agents on their bus.
const (
	// TopicInputAccepted acknowledges that handleInput took ownership of
	// an input. Payload: map with "run_id" and the raw input.
	TopicInputAccepted = "agent.input.accepted"

	// TopicStateChanged reports a committed state delta. Payload: map
	// with "run_id" and "keys", the mutated slice identities.
	TopicStateChanged = "agent.state.changed"

	// TopicResult carries the handler's result for one turn. Payload:
	// map with "run_id" and "result".
	TopicResult = "agent.result"

	// TopicError reports a failed turn. The agent's state is unchanged
	// by the failed turn. Payload: map with "run_id", "code", "error".
	TopicError = "agent.error"

	// TopicCancelled is the terminal event published when the agent's
	// cancellation token fires. Payload: map with "agent_id".
	TopicCancelled = "agent.cancelled"
)
