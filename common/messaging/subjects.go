package messaging

// Subject constants for the edge pipeline bus.
// Follow the pattern: {domain}.{component}.{resource}
const (
	SubjectPipelineState = "edge.pipeline.state" // Scheduler state transitions
	SubjectPipelineFlush = "edge.pipeline.flush" // Flush cycle results

	SubjectDeadLetterPrefix = "edge.deadletter" // Dead-lettered events, append .{event_type}
)

// StreamDeadLetter is the JetStream stream mirroring dead-lettered events.
const StreamDeadLetter = "EDGE_DEADLETTER"

// DeadLetterSubject returns the subject for a dead-lettered event of the given type.
// Example: edge.deadletter.heart_rate
func DeadLetterSubject(eventType string) string {
	if eventType == "" {
		eventType = "unknown"
	}
	return SubjectDeadLetterPrefix + "." + sanitizeToken(eventType)
}

// DeadLetterWildcard matches every dead-letter subject.
func DeadLetterWildcard() string {
	return SubjectDeadLetterPrefix + ".>"
}

// sanitizeToken replaces characters NATS treats as subject separators or wildcards.
func sanitizeToken(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	return string(out)
}
