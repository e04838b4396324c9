package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID = "user_id"

	// Log type
	FieldLogType = "log_type"
	LogTypeAudit = "audit"

	// Service
	FieldService  = "service"
	FieldInstance = "instance_id"

	// Chat pipeline
	FieldRoomID     = "room_id"
	FieldClientID   = "client_id"
	FieldRoutingKey = "routing_key"
	FieldBusState   = "bus_state"
	FieldAttempt    = "attempt"
	FieldDelay      = "delay"
	FieldDriver     = "driver"
)
