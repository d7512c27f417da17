package artifact

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Artifact is the typed view of a Record the report renderer works from.
// Fields the engine left out are zero values.
type Artifact struct {
	IncidentTitle          string            `json:"INCIDENT_TITLE"`
	IncidentDates          string            `json:"INCIDENT_DATES"`
	ExecutiveSummary       string            `json:"EXECUTIVE_SUMMARY"`
	StatisticsCards        []StatisticCard   `json:"STATISTICS_CARDS"`
	EntryPointsContent     string            `json:"ENTRY_POINTS_CONTENT"`
	TimelineDescription    string            `json:"TIMELINE_DESCRIPTION"`
	TimelineEvents         []TimelineEvent   `json:"TIMELINE_EVENTS"`
	AttackObjectives       []AttackObjective `json:"ATTACK_OBJECTIVES"`
	IOCsContent            string            `json:"IOCS_CONTENT"`
	RecommendationsContent string            `json:"RECOMMENDATIONS_CONTENT"`
	ForensicConclusion     string            `json:"FORENSIC_CONCLUSION"`
	ReportFooter           string            `json:"REPORT_FOOTER"`

	Analysis  string `json:"analysis,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	FilePath  string `json:"file_path,omitempty"`

	// Present records whether the array keys existed at all, so the renderer
	// can tell an empty list from a missing one.
	HasStatistics bool `json:"-"`
	HasTimeline   bool `json:"-"`
	HasObjectives bool `json:"-"`
}

// StatisticCard is one headline number
type StatisticCard struct {
	Number Text `json:"number"`
	Label  Text `json:"label"`
}

// TimelineEvent is one entry of the attack timeline
type TimelineEvent struct {
	Timestamp   Text `json:"timestamp"`
	Title       Text `json:"title"`
	Description Text `json:"description"`
	SourceIP    Text `json:"source_ip"`
	TargetIP    Text `json:"target_ip"`
}

// AttackObjective groups supporting details under one objective
type AttackObjective struct {
	Objective Text   `json:"objective"`
	Details   []Text `json:"details"`
}

// Text accepts any JSON scalar. Engines are loose about emitting 18 versus
// "18", so both decode to the same string.
type Text string

// UnmarshalJSON implements json.Unmarshaler
func (t *Text) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch {
	case raw == "null":
		*t = ""
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	case raw == "true" || raw == "false":
		*t = Text(raw)
	case strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "["):
		*t = Text(raw)
	default:
		// numbers keep their literal form, 3 stays "3" rather than "3.000000"
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return fmt.Errorf("invalid scalar %q", raw)
		}
		*t = Text(raw)
	}
	return nil
}

// Decode converts a stored record into the typed view. Values of the wrong
// type are dropped rather than failing the whole report.
func Decode(rec Record) Artifact {
	var a Artifact
	if rec == nil {
		return a
	}

	a.IncidentTitle = str(rec[KeyIncidentTitle])
	a.IncidentDates = str(rec[KeyIncidentDates])
	a.ExecutiveSummary = str(rec[KeyExecutiveSummary])
	if a.ExecutiveSummary == "" {
		a.ExecutiveSummary = str(rec[keySummaryLower])
	}
	a.EntryPointsContent = str(rec[KeyEntryPoints])
	a.TimelineDescription = str(rec[KeyTimelineDescription])
	a.IOCsContent = str(rec[KeyIOCs])
	a.RecommendationsContent = str(rec[KeyRecommendations])
	a.ForensicConclusion = str(rec[KeyForensicConclusion])
	a.ReportFooter = str(rec[KeyReportFooter])
	a.Analysis = str(rec[KeyAnalysis])
	a.Timestamp = str(rec[KeyTimestamp])
	a.FilePath = str(rec[KeyFilePath])

	a.HasStatistics = decodeList(rec[KeyStatisticsCards], &a.StatisticsCards)
	a.HasTimeline = decodeList(rec[KeyTimelineEvents], &a.TimelineEvents)
	a.HasObjectives = decodeList(rec[KeyAttackObjectives], &a.AttackObjectives)
	return a
}

// decodeList re-decodes an array value into out, element by element, skipping
// elements that do not fit. It returns false when v is not an array.
func decodeList[T any](v any, out *[]T) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var elem T
		if err := json.Unmarshal(raw, &elem); err != nil {
			continue
		}
		*out = append(*out, elem)
	}
	return true
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}
