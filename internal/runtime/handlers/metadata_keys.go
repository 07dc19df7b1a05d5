package handlers

// Message header keys used on the host bus.
// These keys are reserved and should not be used for custom metadata.
const (
	// MetadataKeyEvent carries the event name of a bus message.
	MetadataKeyEvent = "cfx_event"

	// MetadataKeyOrigin is the node id of the sender.
	MetadataKeyOrigin = "cfx_origin"

	// MetadataKeyTarget addresses a client, or "-1" for every client.
	MetadataKeyTarget = "cfx_target"

	// MetadataKeySentAt records when the message was published (RFC 3339).
	MetadataKeySentAt = "cfx_sent_at"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)
