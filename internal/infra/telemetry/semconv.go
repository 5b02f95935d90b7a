package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by gateway instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrConnector identifies a source or destination by id.
	AttrConnector = attribute.Key("connector")
	// AttrDestination identifies a north connector.
	AttrDestination = attribute.Key("destination")
	// AttrSource identifies a south connector.
	AttrSource = attribute.Key("source")
	// AttrOutcome records how a run or a unit of content ended.
	AttrOutcome = attribute.Key("outcome")
	// AttrArea names a cache area (cache, error, archive).
	AttrArea = attribute.Key("area")
	// AttrScanMode identifies the scan mode that fired.
	AttrScanMode = attribute.Key("scan_mode")
	// AttrOperation differentiates operations such as migrations.
	AttrOperation = attribute.Key("operation")
	// AttrResult records success or the error class of an operation.
	AttrResult = attribute.Key("result")
)

// Cache areas.
const (
	AreaCache   = "cache"
	AreaError   = "error"
	AreaArchive = "archive"
)

// ConnectorAttributes labels per-connector counters.
func ConnectorAttributes(connector, outcome string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrConnector.String(connector),
	}
	if outcome != "" {
		attrs = append(attrs, AttrOutcome.String(outcome))
	}
	return attrs
}

// DestinationAttributes labels north runner instruments.
func DestinationAttributes(destination, outcome string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrDestination.String(destination),
	}
	if outcome != "" {
		attrs = append(attrs, AttrOutcome.String(outcome))
	}
	return attrs
}

// SourceAttributes labels south runner instruments.
func SourceAttributes(source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSource.String(source),
	}
}

// CacheAreaAttributes labels cache size gauges.
func CacheAreaAttributes(destination, area string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrDestination.String(destination),
		AttrArea.String(area),
	}
}

// ScanModeAttributes labels scheduler instruments.
func ScanModeAttributes(scanMode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrScanMode.String(scanMode),
	}
}

// OperationResultAttributes labels operations with a result classification.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
