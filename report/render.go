// Package report renders the analysis artifact into the HTML incident report.
package report

import (
	_ "embed"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"dfirpipe/artifact"
)

// LatestFileName is the fixed path every report run overwrites
const LatestFileName = "dfir_report.html"

//go:embed templates/dfir_report.html
var defaultTemplate string

// DefaultTemplate returns the embedded report template
func DefaultTemplate() string {
	return defaultTemplate
}

var placeholder = regexp.MustCompile(`\{\{[A-Z0-9_]+\}\}`)

// Render substitutes every placeholder in tpl from the record. Plain text
// fields are escaped; the *_CONTENT fields are HTML fragments produced by the
// analysis and are inserted as-is. Placeholders without a value are removed.
// The output depends only on its inputs, even when values contain
// placeholder-like text.
func Render(tpl string, rec artifact.Record) string {
	a := artifact.Decode(rec)

	summary := a.ExecutiveSummary
	if summary == "" {
		summary = a.Analysis
	}

	values := map[string]string{
		artifact.KeyIncidentTitle:       html.EscapeString(a.IncidentTitle),
		artifact.KeyIncidentDates:       html.EscapeString(a.IncidentDates),
		artifact.KeyExecutiveSummary:    html.EscapeString(summary),
		artifact.KeyTimelineDescription: html.EscapeString(a.TimelineDescription),
		artifact.KeyForensicConclusion:  html.EscapeString(a.ForensicConclusion),
		artifact.KeyReportFooter:        html.EscapeString(a.ReportFooter),

		artifact.KeyEntryPoints:     a.EntryPointsContent,
		artifact.KeyIOCs:            a.IOCsContent,
		artifact.KeyRecommendations: a.RecommendationsContent,

		artifact.KeyStatisticsCards:  statisticsHTML(a.StatisticsCards),
		artifact.KeyTimelineEvents:   timelineHTML(a.TimelineEvents),
		artifact.KeyAttackObjectives: objectivesHTML(a.AttackObjectives),
	}

	// one pass over the template; inserted values are never scanned again
	return placeholder.ReplaceAllStringFunc(tpl, func(token string) string {
		return values[token[2:len(token)-2]]
	})
}

func statisticsHTML(cards []artifact.StatisticCard) string {
	var b strings.Builder
	for _, c := range cards {
		fmt.Fprintf(&b, `<div class="stat-card"><div class="number">%s</div><div class="label">%s</div></div>`+"\n",
			esc(c.Number), esc(c.Label))
	}
	return b.String()
}

func timelineHTML(events []artifact.TimelineEvent) string {
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, `<div class="timeline-item">
  <div class="timeline-dot"></div>
  <div class="timeline-time">%s</div>
  <div class="timeline-content">
    <div class="timeline-title">%s</div>
    <p>%s</p>
    <small>Source: %s → Target: %s</small>
  </div>
</div>
`, esc(e.Timestamp), esc(e.Title), esc(e.Description), orNA(e.SourceIP), orNA(e.TargetIP))
	}
	return b.String()
}

func objectivesHTML(objectives []artifact.AttackObjective) string {
	var b strings.Builder
	for _, o := range objectives {
		var details strings.Builder
		for _, d := range o.Details {
			details.WriteString("<li>" + esc(d) + "</li>")
		}
		fmt.Fprintf(&b, `<div class="objective-card">
  <h3>%s</h3>
  <ul>%s</ul>
</div>
`, esc(o.Objective), details.String())
	}
	return b.String()
}

func esc(t artifact.Text) string {
	return html.EscapeString(string(t))
}

func orNA(t artifact.Text) string {
	if strings.TrimSpace(string(t)) == "" {
		return "N/A"
	}
	return esc(t)
}

// Renderer renders the stored artifact to the latest report file
type Renderer struct {
	Store        *artifact.Store
	TemplatePath string // empty = embedded template
}

// Template loads the configured template, falling back to the embedded one
func (r *Renderer) Template() (string, error) {
	if r.TemplatePath == "" {
		return defaultTemplate, nil
	}
	data, err := os.ReadFile(r.TemplatePath)
	if err != nil {
		return "", fmt.Errorf("failed to read template: %w", err)
	}
	return string(data), nil
}

// LatestPath returns where RenderToFile writes
func (r *Renderer) LatestPath() string {
	return filepath.Join(r.Store.Dir(), LatestFileName)
}

// RenderToFile renders the current artifact into dfir_report.html and returns
// the path and size written.
func (r *Renderer) RenderToFile() (string, int, error) {
	rec, shape, err := r.Store.Read()
	if errors.Is(err, artifact.ErrNotFound) {
		return "", 0, fmt.Errorf("%s not found, run the analysis first: %w", artifact.FileName, err)
	}
	if err != nil {
		return "", 0, err
	}
	if !shape.Usable() {
		return "", 0, fmt.Errorf("%s has an invalid shape", artifact.FileName)
	}

	tpl, err := r.Template()
	if err != nil {
		return "", 0, err
	}

	out := Render(tpl, rec)
	path := r.LatestPath()
	if err := artifact.WriteFile(path, []byte(out)); err != nil {
		return "", 0, err
	}
	return path, len(out), nil
}
