package api

// EventExecutionStatusUpdated is the event name carried on the push channel.
const EventExecutionStatusUpdated = "ExecutionStatusUpdated"

// StatusEvent is broadcast to all subscribers of a job's push subject.
type StatusEvent struct {
	Event  string        `json:"event"`
	Result ResultMessage `json:"result"`
}
