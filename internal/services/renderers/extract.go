package renderers

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type blockKind int

const (
	blockHeading blockKind = iota
	blockParagraph
	blockListItem
	blockTable
)

// block is a format-neutral piece of a bound report, in document order
type block struct {
	kind  blockKind
	level int
	text  string
	rows  [][]string
}

// extractBlocks flattens bound HTML into headings, paragraphs, list items and
// tables. Text nested inside a table belongs to the table only.
func extractBlocks(boundHTML string) ([]block, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(boundHTML))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse bound report: %w", err)
	}

	title := collapse(doc.Find("title").First().Text())

	var blocks []block
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, table").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		if tag != "table" && s.ParentsFiltered("table").Length() > 0 {
			return
		}
		switch tag {
		case "table":
			if s.ParentsFiltered("table").Length() > 0 {
				return
			}
			blocks = append(blocks, block{kind: blockTable, rows: tableRows(s)})
		case "p":
			if text := collapse(s.Text()); text != "" {
				blocks = append(blocks, block{kind: blockParagraph, text: text})
			}
		case "li":
			if text := collapse(s.Text()); text != "" {
				blocks = append(blocks, block{kind: blockListItem, text: text})
			}
		default:
			blocks = append(blocks, block{kind: blockHeading, level: int(tag[1] - '0'), text: collapse(s.Text())})
		}
	})
	return blocks, title, nil
}

func tableRows(table *goquery.Selection) [][]string {
	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.ParentsFiltered("table").First().Get(0) != table.Get(0) {
			return
		}
		var row []string
		tr.ChildrenFiltered("th, td").Each(func(_ int, cell *goquery.Selection) {
			row = append(row, collapse(cell.Text()))
		})
		if len(row) > 0 {
			rows = append(rows, row)
		}
	})
	return rows
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
