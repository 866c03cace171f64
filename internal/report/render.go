// Package report turns an extraction dataset into the HTML artifact that is
// summarized and mailed out.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"storereport/internal/extract"
)

//go:embed report_template.html
var reportTemplateFS embed.FS

var (
	reportTemplateOnce sync.Once
	reportTemplate     *template.Template
	reportTemplateErr  error
)

func getReportTemplate() (*template.Template, error) {
	reportTemplateOnce.Do(func() {
		b, err := reportTemplateFS.ReadFile("report_template.html")
		if err != nil {
			reportTemplateErr = err
			return
		}
		reportTemplate, reportTemplateErr = template.New("report_template.html").Parse(string(b))
	})
	return reportTemplate, reportTemplateErr
}

type templateData struct {
	Title       string
	EndDate     string
	PeriodDays  int
	StoreCount  int
	FailedCount int
	Stores      []storeData
	Footer      string
}

type storeData struct {
	Name   string
	Failed bool
	Err    string

	CurrTotal    string
	PrevTotal    string
	TotalDelta   string
	WeekdayDelta string
	WeekendDelta string
	TotalClass   string
	WeekdayClass string
	WeekendClass string
	Daily        string
}

// Renderer builds the daily report HTML. Title is the report heading, not
// the email subject.
type Renderer struct {
	Title string

	now func() time.Time
}

func NewRenderer(title string) *Renderer {
	if strings.TrimSpace(title) == "" {
		title = "Daily Store Report"
	}
	return &Renderer{Title: title, now: time.Now}
}

func (r *Renderer) Render(ds extract.Dataset) (string, error) {
	tmpl, err := getReportTemplate()
	if err != nil {
		return "", fmt.Errorf("load report template: %w", err)
	}

	data := templateData{
		Title:       r.Title,
		EndDate:     ds.EndDate,
		PeriodDays:  ds.PeriodDays,
		StoreCount:  len(ds.Results),
		FailedCount: ds.FailedCount(),
		Footer:      fmt.Sprintf("Generated %s", r.now().UTC().Format(time.RFC3339)),
	}
	for _, res := range ds.Results {
		data.Stores = append(data.Stores, buildStoreData(res))
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return out.String(), nil
}

func buildStoreData(res extract.Result) storeData {
	if !res.Success {
		return storeData{Name: res.Tenant, Failed: true, Err: res.Err}
	}
	m := res.Metrics
	sd := storeData{
		Name:      res.Tenant,
		CurrTotal: formatCount(m.CurrTotal),
		PrevTotal: formatCount(m.PrevTotal),
	}
	sd.TotalDelta, sd.TotalClass = formatDelta(m.TotalDeltaPct)
	sd.WeekdayDelta, sd.WeekdayClass = formatDelta(m.WeekdayDeltaPct)
	sd.WeekendDelta, sd.WeekendClass = formatDelta(m.WeekendDeltaPct)
	sd.Daily = formatSeries(m.DailyCurrent)
	return sd
}

func formatCount(v *int64) string {
	if v == nil {
		return "–"
	}
	return fmt.Sprintf("%d", *v)
}

func formatDelta(v *float64) (text, class string) {
	if v == nil {
		return "n/a", ""
	}
	switch {
	case *v > 0:
		return fmt.Sprintf("+%.1f%%", *v), "delta-up"
	case *v < 0:
		return fmt.Sprintf("%.1f%%", *v), "delta-down"
	default:
		return "0.0%", ""
	}
}

func formatSeries(daily []int64) string {
	if len(daily) == 0 {
		return ""
	}
	parts := make([]string, len(daily))
	for i, v := range daily {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, " / ")
}
