package events

// Subject naming: <prefix>.<domain>.<name>
// Prefix is configured per deployment (e.g. "pulse").

const (
	DomainTelemetry = "telemetry"
	DomainFleet     = "fleet"
)

const (
	TelemetrySnapshotIngested = DomainTelemetry + ".snapshot_ingested"

	FleetCleared = DomainFleet + ".cleared"
)
