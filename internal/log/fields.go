package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldService   = "service"
	FieldComponent = "component"
	FieldNode      = "node"
	FieldSessionID = "session_id"
	FieldRecordID  = "record_id"

	// Protocol fields
	FieldKind        = "kind"
	FieldSeq         = "seq"
	FieldDisposition = "disposition"
	FieldReason      = "reason"
	FieldDirection   = "direction"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Bus fields
	FieldTopic     = "topic"
	FieldPartition = "partition"
	FieldOffset    = "offset"
)
