package renderers

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/models"
)

const (
	docxListStyle  = "ListBullet"
	docxTableStyle = "TableGrid"
	docxMaxHeading = 9
)

// DOCXRenderer converts bound HTML into a Word document built from the
// extracted headings, paragraphs, list items and tables
type DOCXRenderer struct {
	logger arbor.ILogger
}

func NewDOCXRenderer(logger arbor.ILogger) *DOCXRenderer {
	return &DOCXRenderer{logger: logger}
}

func (r *DOCXRenderer) Format() models.Format {
	return models.FormatDOCX
}

func (r *DOCXRenderer) Render(_ context.Context, boundHTML string, outputPath string) (models.RenderOutput, error) {
	blocks, _, err := extractBlocks(boundHTML)
	if err != nil {
		return models.RenderOutput{}, err
	}

	document, err := godocx.NewDocument()
	if err != nil {
		return models.RenderOutput{}, fmt.Errorf("failed to create DOCX document: %w", err)
	}
	defer document.Close()

	for _, blk := range blocks {
		if err := appendBlock(document, blk); err != nil {
			return models.RenderOutput{}, err
		}
	}

	// The package writer sorts its parts and stamps no times, so equal input
	// yields equal bytes
	var buf bytes.Buffer
	if err := document.Write(&buf); err != nil {
		return models.RenderOutput{}, fmt.Errorf("failed to write DOCX: %w", err)
	}

	r.logger.Debug().Int("blocks", len(blocks)).Int("docx_size", buf.Len()).Msg("DOCX assembled")
	return writeOutput(models.FormatDOCX, outputPath, buf.Bytes())
}

func appendBlock(document *docx.RootDoc, blk block) error {
	switch blk.kind {
	case blockHeading:
		level := blk.level
		if level < 1 {
			level = 1
		}
		if level > docxMaxHeading {
			level = docxMaxHeading
		}
		if _, err := document.AddHeading(blk.text, uint(level)); err != nil {
			return fmt.Errorf("failed to add heading: %w", err)
		}
	case blockListItem:
		document.AddParagraph(blk.text).Style(docxListStyle)
	case blockTable:
		appendTable(document, blk.rows)
	default:
		document.AddParagraph(blk.text)
	}
	return nil
}

// appendTable writes rows as a grid; the first row is the header and is bold
func appendTable(document *docx.RootDoc, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	table := document.AddTable()
	table.Style(docxTableStyle)
	for i, cells := range rows {
		row := table.AddRow()
		for _, text := range cells {
			cell := row.AddCell()
			if i == 0 {
				cell.AddEmptyPara().AddText(text).Bold(true)
				continue
			}
			cell.AddParagraph(text)
		}
	}
}
