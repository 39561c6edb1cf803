package domain

// A2A message envelope carried between agents. Delivery is fire-and-forget;
// the priority and reliability tags inform routing but guarantee nothing.

type MessageType string

const (
	MsgStreamRequest  MessageType = "stream_request"
	MsgStreamResponse MessageType = "stream_response"
	MsgQualityChange  MessageType = "quality_change"
	MsgSyncCommand    MessageType = "sync_command"
	MsgLoadBalance    MessageType = "load_balance"
	MsgFailover       MessageType = "failover"
	MsgConsensusVote  MessageType = "consensus_vote"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgCoordination   MessageType = "coordination"
)

type MessagePriority string

const (
	PriorityCritical MessagePriority = "critical"
	PriorityHigh     MessagePriority = "high"
	PriorityMedium   MessagePriority = "medium"
	PriorityLow      MessagePriority = "low"
)

type MessageReliability string

const (
	ReliabilityReliable   MessageReliability = "reliable"
	ReliabilityOrdered    MessageReliability = "ordered"
	ReliabilityBestEffort MessageReliability = "best-effort"
)

// BroadcastTarget addresses an envelope to every registered agent.
const BroadcastTarget AgentID = "*"

type Envelope struct {
	Type        MessageType            `json:"type"`
	From        AgentID                `json:"from"`
	To          AgentID                `json:"to"`
	SessionID   SessionID              `json:"sessionId,omitempty"`
	Timestamp   int64                  `json:"timestamp"` // unix millis
	Sequence    uint64                 `json:"sequence"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Priority    MessagePriority        `json:"priority"`
	Reliability MessageReliability     `json:"reliability"`
}

// KnownMessageType reports whether t is one of the recognized envelope types.
func KnownMessageType(t MessageType) bool {
	switch t {
	case MsgStreamRequest, MsgStreamResponse, MsgQualityChange, MsgSyncCommand,
		MsgLoadBalance, MsgFailover, MsgConsensusVote, MsgHeartbeat, MsgCoordination:
		return true
	}
	return false
}
