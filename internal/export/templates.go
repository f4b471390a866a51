package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(
	template.New("report.html").Funcs(template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"percent": func(v float64) string {
			return fmt.Sprintf("%.1f%%", v*100)
		},
	}).ParseFS(templateFS, "templates/report.html"),
)

// ReportData holds data for report template rendering
type ReportData struct {
	Title       string
	ProofID     string
	Sequence    int
	FileRef     string
	CreatedAt   time.Time
	Locked      bool
	ApprovedAt  *time.Time
	GeneratedAt time.Time
	Meta        []MetaRow
	Pages       []ReportPage
	NoteCount   int
}

type MetaRow struct {
	Key   string
	Value string
}

// ReportPage holds the notes of one page, in creation order.
type ReportPage struct {
	Page  int
	Notes []ReportNote
}

type ReportNote struct {
	Index int
	Kind  string
	X, Y  float64
	W, H  float64
	Text  string
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
