package events

// Event enumerates high-level topics inside the signal pipeline.
type Event string

const (
	EventSignalReceived  Event = "signal.received"
	EventSignalRejected  Event = "signal.rejected"
	EventSignalApproved  Event = "signal.approved"
	EventPolicyChanged   Event = "policy.changed"
	EventOpEnqueued      Event = "op.enqueued"
	EventOpDropped       Event = "op.dropped" // backpressure
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderFilled     Event = "order.filled"
	EventOrderRejected   Event = "order.rejected"
	EventPositionOpened  Event = "position.opened"
	EventPositionClosed  Event = "position.closed"
	EventCommissionPaid  Event = "commission.settled"
	EventPipelineAlert   Event = "pipeline.alert"
)

// PolicyChange is the payload published on EventPolicyChanged.
type PolicyChange struct {
	Old    string  `json:"old"`
	New    string  `json:"new"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}
