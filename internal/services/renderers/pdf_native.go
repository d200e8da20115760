package renderers

import (
	"bytes"
	"context"
	"fmt"
	"os"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ternarybob/neurareport/internal/models"
)

// NativePDFRenderer lays reports out with fpdf instead of a browser. Styling is
// lost; headings, paragraphs, lists and tables survive. Used where no Chrome
// binary is available.
type NativePDFRenderer struct {
	verify bool
	logger arbor.ILogger
}

func NewNativePDFRenderer(verify bool, logger arbor.ILogger) *NativePDFRenderer {
	return &NativePDFRenderer{verify: verify, logger: logger}
}

func (r *NativePDFRenderer) Format() models.Format {
	return models.FormatPDF
}

func (r *NativePDFRenderer) Render(_ context.Context, boundHTML string, outputPath string) (models.RenderOutput, error) {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.Table())
	markdown, err := converter.ConvertString(boundHTML)
	if err != nil {
		return models.RenderOutput{}, fmt.Errorf("failed to convert report to markdown: %w", err)
	}

	data, err := markdownToPDF(markdown)
	if err != nil {
		return models.RenderOutput{}, err
	}

	r.logger.Debug().
		Int("markdown_len", len(markdown)).
		Int("pdf_size", len(data)).
		Str("path", outputPath).
		Msg("Native PDF laid out")

	output, err := writeOutput(models.FormatPDF, outputPath, data)
	if err != nil {
		return models.RenderOutput{}, err
	}
	if r.verify {
		if _, err := verifyPDF(outputPath); err != nil {
			_ = os.Remove(outputPath)
			return models.RenderOutput{}, err
		}
	}
	return output, nil
}

const (
	pdfFont       = "Arial"
	pdfBodySize   = 10.0
	pdfLineHeight = 5.0
	pdfPageWidth  = 190.0
)

func markdownToPDF(markdown string) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetMargins(10, 10, 10)
	doc.SetAutoPageBreak(true, 10)
	doc.AddPage()
	doc.SetFont(pdfFont, "", pdfBodySize)

	source := []byte(markdown)
	root := goldmark.New(goldmark.WithExtensions(extension.Table)).Parser().Parse(text.NewReader(source))

	w := &pdfWriter{
		doc:       doc,
		source:    source,
		translate: doc.UnicodeTranslatorFromDescriptor(""),
	}
	if err := ast.Walk(root, w.walk); err != nil {
		return nil, fmt.Errorf("failed to lay out PDF: %w", err)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF output: %w", err)
	}
	return buf.Bytes(), nil
}

type pdfWriter struct {
	doc       *fpdf.Fpdf
	source    []byte
	translate func(string) string
	bold      bool
	italic    bool
	listDepth int
}

func (w *pdfWriter) applyFont() {
	style := ""
	if w.bold {
		style += "B"
	}
	if w.italic {
		style += "I"
	}
	w.doc.SetFont(pdfFont, style, pdfBodySize)
}

func (w *pdfWriter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			w.doc.Ln(4)
			w.doc.SetFont(pdfFont, "B", headingSize(node.Level))
		} else {
			w.doc.Ln(7)
			w.applyFont()
		}
	case *ast.Paragraph:
		if !entering {
			w.doc.Ln(pdfLineHeight + 2)
		}
	case *ast.Text:
		if entering {
			w.doc.Write(pdfLineHeight, w.translate(string(node.Segment.Value(w.source))))
			if node.SoftLineBreak() {
				w.doc.Write(pdfLineHeight, " ")
			}
		}
	case *ast.Emphasis:
		if node.Level == 2 {
			w.bold = entering
		} else {
			w.italic = entering
		}
		w.applyFont()
	case *ast.List:
		if entering {
			w.listDepth++
		} else if w.listDepth--; w.listDepth == 0 {
			w.doc.Ln(2)
		}
	case *ast.ListItem:
		if entering {
			w.doc.Ln(pdfLineHeight)
			w.doc.SetX(12 + float64(w.listDepth)*5)
			w.doc.Write(pdfLineHeight, "- ")
		}
	case *ast.ThematicBreak:
		if entering {
			w.doc.Ln(2)
			w.doc.Line(10, w.doc.GetY(), 10+pdfPageWidth, w.doc.GetY())
			w.doc.Ln(2)
		}
	case *extast.Table:
		if entering {
			w.table(w.tableRows(node))
			return ast.WalkSkipChildren, nil
		}
	}
	return ast.WalkContinue, nil
}

func headingSize(level int) float64 {
	switch level {
	case 1:
		return 16
	case 2:
		return 13
	case 3:
		return 11
	}
	return pdfBodySize
}

func (w *pdfWriter) tableRows(table *extast.Table) [][]string {
	var rows [][]string
	for child := table.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.(type) {
		case *extast.TableHeader, *extast.TableRow:
		default:
			continue
		}
		var row []string
		for cell := child.FirstChild(); cell != nil; cell = cell.NextSibling() {
			row = append(row, w.translate(string(cell.Text(w.source))))
		}
		rows = append(rows, row)
	}
	return rows
}

// table draws equal-width bordered cells; the header row is shaded
func (w *pdfWriter) table(rows [][]string) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return
	}
	width := pdfPageWidth / float64(len(rows[0]))
	w.doc.Ln(2)
	for i, row := range rows {
		if i == 0 {
			w.doc.SetFont(pdfFont, "B", pdfBodySize-1)
			w.doc.SetFillColor(230, 230, 230)
		} else {
			w.doc.SetFont(pdfFont, "", pdfBodySize-1)
			w.doc.SetFillColor(255, 255, 255)
		}
		for j := range rows[0] {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			for len(cell) > 3 && w.doc.GetStringWidth(cell) > width-2 {
				cell = cell[:len(cell)-4] + "..."
			}
			w.doc.CellFormat(width, pdfLineHeight+1, cell, "1", 0, "L", true, 0, "")
		}
		w.doc.Ln(-1)
	}
	w.doc.Ln(3)
	w.applyFont()
}
