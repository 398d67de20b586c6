package minerva

import (
	"martlet/internal/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	ebillTableSelector = "table.datadisplaytable"
	ebillCells         = 3
)

func parseStatementRow(cells []string) (Statement, error) {
	statementDate, err := parseDate(cells[0])
	if err != nil {
		return Statement{}, err
	}
	dueDate, err := parseDate(cells[1])
	if err != nil {
		return Statement{}, err
	}
	amount, err := parseCents(cells[2])
	if err != nil {
		return Statement{}, err
	}
	return Statement{
		StatementDate: statementDate,
		DueDate:       dueDate,
		AmountCents:   amount,
	}, nil
}

// ExtractEbill reads the statement list, one Statement per
// "Statement Date | Due Date | Amount Due" row.
func ExtractEbill(page string) (Extraction[[]Statement], error) {
	doc, err := parseDocument(ExtractorEbill, page)
	if err != nil {
		return Extraction[[]Statement]{}, err
	}

	tables := doc.Find(ebillTableSelector)
	if tables.Length() == 0 {
		return Extraction[[]Statement]{}, newParseError(ExtractorEbill, "statement table not found", page)
	}

	out := Extraction[[]Statement]{Records: []Statement{}}
	rows := 0
	var firstBad string
	tables.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 || row.Find("td").Length() == 0 {
			return
		}
		rows++
		cells := htmlutil.Cells(row)
		if len(cells) != ebillCells {
			out.Skipped++
			if firstBad == "" {
				firstBad = outerHtml(row)
			}
			return
		}
		statement, err := parseStatementRow(cells)
		if err != nil {
			out.Skipped++
			if firstBad == "" {
				firstBad = outerHtml(row)
			}
			return
		}
		out.Records = append(out.Records, statement)
	})

	if rows == 0 {
		return Extraction[[]Statement]{}, newParseError(ExtractorEbill, "no statement rows found", outerHtml(tables.First()))
	}
	if len(out.Records) == 0 {
		return Extraction[[]Statement]{}, newParseError(ExtractorEbill, "every statement row was malformed", firstBad)
	}
	return out, nil
}
