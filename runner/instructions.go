package runner

import (
	"fmt"
	"strings"
)

// DefaultIncidentTitle is used when a report is requested without a title
const DefaultIncidentTitle = "DFIR Analysis Report"

const analysisSystemPrompt = `You are a digital forensics and incident response analyst.
Work only from the evidence you can read with your tools. Use run_command for grep, jq or awk
over large log exports instead of reading them whole. Record attacker IPs, accounts, timestamps
and techniques exactly as they appear in the evidence.`

const reportSystemPrompt = `You produce the HTML incident report from an existing analysis.
The analysis is already stored; you never rewrite it.`

// analysisOutputContract is appended to every analysis instruction
const analysisOutputContract = `
Conduct a complete digital forensics analysis and save the results as a STRUCTURED JSON object
to dfir_reports/dfir_analysis.json using the write_file tool.

The JSON keys must match the report template placeholders exactly:
- INCIDENT_TITLE: title of the incident (string)
- INCIDENT_DATES: date range of the incident (string)
- EXECUTIVE_SUMMARY: 2-3 sentence summary (string)
- STATISTICS_CARDS: array of {"number", "label"}
- ENTRY_POINTS_CONTENT: HTML using <div class='ip-list'> and <div class='ip-card'>
- TIMELINE_DESCRIPTION: short description of the timeline (string)
- TIMELINE_EVENTS: array of {"timestamp", "title", "description", "source_ip", "target_ip"}
- ATTACK_OBJECTIVES: array of {"objective", "details": [string]}
- IOCS_CONTENT: HTML using <div class='ioc-list'>
- RECOMMENDATIONS_CONTENT: HTML using <div class='recommendation-box'>
- FORENSIC_CONCLUSION: complete conclusion (string)
- REPORT_FOOTER: footer text with metadata (string)

Do not wrap markdown in a single "analysis" field. Plain strings only, arrays for lists.
When the file is saved, answer with a one-line confirmation such as
"Analysis saved to dfir_reports/dfir_analysis.json" instead of repeating the JSON.`

// AnalysisInstruction builds the analysis prompt for a job
func AnalysisInstruction(job Job) string {
	var b strings.Builder
	prompt := strings.TrimSpace(job.UserPrompt)
	if prompt == "" {
		prompt = "Analyze the provided evidence for signs of compromise."
	}
	b.WriteString(prompt)
	if job.FilePath != "" {
		if !strings.Contains(prompt, job.FilePath) {
			fmt.Fprintf(&b, "\n\nFile to analyze: %s", job.FilePath)
		}
		b.WriteString("\nRead and analyze this file, conducting a complete forensic analysis.")
	}
	b.WriteString("\n")
	b.WriteString(analysisOutputContract)
	return b.String()
}

// ReportInstruction builds the report prompt for the job's incident
func ReportInstruction(job Job) string {
	title := strings.TrimSpace(job.IncidentTitle)
	if title == "" {
		title = DefaultIncidentTitle
	}
	return fmt.Sprintf("Generate the HTML report for the incident %q.\n\n", title) + reportSteps
}

const reportSteps = `Step 1: call generate_html_from_template(). It reads dfir_reports/dfir_analysis.json and
writes dfir_reports/dfir_report.html; it takes no parameters.
Step 2: answer with the tool's confirmation.

Do not use any other tool and do not read files manually.`

// SystemPrompt returns the system prompt for a stage
func SystemPrompt(stage Stage) string {
	if stage == StageReport {
		return reportSystemPrompt
	}
	return analysisSystemPrompt
}
