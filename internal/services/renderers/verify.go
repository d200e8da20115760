package renderers

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// verifyPDF parses a produced file and returns its page count. A PDF that
// pdfcpu cannot read is never recorded as an artifact.
func verifyPDF(path string) (int, error) {
	ctx, err := api.ReadContextFile(path)
	if err != nil {
		return 0, fmt.Errorf("produced PDF is unreadable: %w", err)
	}
	if ctx.PageCount < 1 {
		return 0, fmt.Errorf("produced PDF has no pages")
	}
	return ctx.PageCount, nil
}
