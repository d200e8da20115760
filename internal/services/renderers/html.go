package renderers

import (
	"context"

	"github.com/ternarybob/neurareport/internal/models"
)

// HTMLRenderer writes the bound document as is
type HTMLRenderer struct{}

func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{}
}

func (r *HTMLRenderer) Format() models.Format {
	return models.FormatHTML
}

func (r *HTMLRenderer) Render(_ context.Context, boundHTML string, outputPath string) (models.RenderOutput, error) {
	return writeOutput(models.FormatHTML, outputPath, []byte(boundHTML))
}
