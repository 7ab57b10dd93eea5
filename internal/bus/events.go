package bus

// Store events.
const (
	EventConversationCreated = "conversation:created"
	EventTurnAppended        = "turn:appended"
)

// Session lifecycle events.
const (
	EventSessionCreated      = "session:created"
	EventSessionRotated      = "session:rotated"
	EventSessionRecovered    = "session:recovered"
	EventSessionRestoreError = "session:restore:error"
)

// Agent lifecycle events.
const (
	EventAgentSpawned = "agent:spawned"
	EventStateChange  = "state:change"
	EventHealthStatus = "health:status"
	EventEscalate     = "escalate"
	EventError        = "error"
)

// Pairing events.
const (
	EventRequestCreated  = "request:created"
	EventRequestApproved = "request:approved"
	EventRequestRejected = "request:rejected"
	EventRequestExpired  = "request:expired"
)

// Skills events.
const (
	EventSkillRegistered      = "skill:registered"
	EventSkillUnregistered    = "skill:unregistered"
	EventSkillExecuteStart    = "skill:execute:start"
	EventSkillExecuteComplete = "skill:execute:complete"
	EventSkillExecuteError    = "skill:execute:error"
)

// Orchestrator events.
const (
	EventMessageProcessed = "message:processed"
	EventMessageError     = "message:error"
	EventToolCall         = "tool:call"
	EventToolCallUpdate   = "tool:call:update"
)
