package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by paybridge instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrReason      = attribute.Key("reason")
	AttrStatus      = attribute.Key("status")
	AttrEntryKind   = attribute.Key("ledger.entry_kind")
	AttrPoolName    = attribute.Key("pool.name")
)

// Result values.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

// OperationResultAttributes labels an operation outcome.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// StatusAttributes labels a state transition.
func StatusAttributes(operation, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrStatus.String(status),
	}
}
