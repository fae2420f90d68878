package interfaces

import (
	"context"

	"github.com/nilemarkets/sahm/internal/models"
)

// Ingester is the end-to-end job for one source capability:
// enumerate entities, fetch, parse, normalise, write. Ingesters are
// independent; none imports another.
type Ingester interface {
	// Source returns the stable source name used by the scheduler, the
	// admin interface and the audit table.
	Source() string

	// Run executes one ingestion pass under the coordinator's budget.
	// Per-entity failures are folded into the report, never returned.
	Run(ctx context.Context, params models.RunParams) (*models.RunReport, error)
}

// Coordinator owns concurrency, retries and provenance across all
// ingesters and is the only component the scheduler and admin interface
// talk to.
type Coordinator interface {
	// Trigger runs the named ingester synchronously and returns its report.
	Trigger(ctx context.Context, source string, params models.RunParams) (*models.RunReport, error)

	// Sources lists the registered ingester names.
	Sources() []string
}

// Notifier posts structured operator alerts. Failures to deliver are
// logged, never propagated.
type Notifier interface {
	Send(ctx context.Context, alert models.Alert) error
}
