package interfaces

import (
	"context"

	"github.com/ternarybob/neurareport/internal/models"
)

// DataSourceAdapter executes parameterized queries against a named connection
type DataSourceAdapter interface {
	Query(ctx context.Context, connectionID string, sql string, params []any) (*models.Rows, error)
}

// ContractProvider returns validated contracts and their templates
type ContractProvider interface {
	Get(ctx context.Context, templateID string) (*models.Contract, error)
	Template(ctx context.Context, templateID string) (string, error)
}

// Notifier delivers a finished job's artifact list to recipients
type Notifier interface {
	Notify(ctx context.Context, recipients []string, manifest models.Manifest) error
}

// FormatRenderer turns bound HTML into one output file. Implementations may
// block for seconds; callers bound them with a timeout.
type FormatRenderer interface {
	Format() models.Format
	Render(ctx context.Context, boundHTML string, outputPath string) (models.RenderOutput, error)
}
