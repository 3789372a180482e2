package dmarc

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ReportMetadata holds the report_metadata fields copied into every row.
type ReportMetadata struct {
	ReportID       string `json:"reportMetadataReportId"`
	OrgName        string `json:"reportMetadataOrgName"`
	DateRangeBegin int64  `json:"reportMetadataDateRangeBegin"`
	DateRangeEnd   int64  `json:"reportMetadataDateRangeEnd"`
	Error          string `json:"reportMetadataError"`
}

// PolicyPublished holds the policy_published fields copied into every row.
type PolicyPublished struct {
	Domain string          `json:"policyPublishedDomain"`
	ADKIM  AlignmentType   `json:"policyPublishedADKIM"`
	ASPF   AlignmentType   `json:"policyPublishedASPF"`
	P      DispositionType `json:"policyPublishedP"`
	SP     DispositionType `json:"policyPublishedSP"`
	Pct    int64           `json:"policyPublishedPct"`
}

// Row is one record of an aggregate report, flattened together with the
// report metadata and the published policy.
type Row struct {
	ReportMetadata
	PolicyPublished
	SourceIP                   string               `json:"recordRowSourceIP"`
	Count                      int64                `json:"recordRowCount"`
	PolicyEvaluatedDKIM        AuthResultType       `json:"recordRowPolicyEvaluatedDKIM"`
	PolicyEvaluatedSPF         AuthResultType       `json:"recordRowPolicyEvaluatedSPF"`
	PolicyEvaluatedDisposition DispositionType      `json:"recordRowPolicyEvaluatedDisposition"`
	PolicyEvaluatedReasonType  PolicyOverrideReason `json:"recordRowPolicyEvaluatedReasonType"`
	EnvelopeTo                 string               `json:"recordIdentifiersEnvelopeTo"`
	HeaderFrom                 string               `json:"recordIdentifiersHeaderFrom"`
}

// Normalize turns a parsed aggregate report into one row per record, in
// document order. Missing optional values fall back to "", 0 or the first
// enum member. A tree without the feedback root, its report_metadata,
// policy_published or record elements fails with ErrInvalidReportStructure.
func Normalize(tree *Node) ([]Row, error) {
	feedback := tree.Get("feedback")
	metadata := feedback.Get("report_metadata")
	policy := feedback.Get("policy_published")
	recordNode := feedback.Get("record")

	var missing []string
	if !feedback.Present() {
		missing = append(missing, "feedback")
	}
	if !metadata.Present() {
		missing = append(missing, "report_metadata")
	}
	if !policy.Present() {
		missing = append(missing, "policy_published")
	}
	if recordNode == nil {
		missing = append(missing, "record")
	}
	if len(missing) > 0 {
		return nil, wrap(ErrInvalidReportStructure, "missing %s", strings.Join(missing, ", "))
	}

	meta := normalizeMetadata(metadata)
	pol := normalizePolicy(policy)

	records := AsList(recordNode)
	rows := make([]Row, 0, len(records))
	for _, record := range records {
		rows = append(rows, Row{
			ReportMetadata:             meta,
			PolicyPublished:            pol,
			SourceIP:                   record.Get("row", "source_ip").Value(),
			Count:                      parseInt(record.Get("row", "count").Value()),
			PolicyEvaluatedDKIM:        ParseAuthResult(record.Get("row", "policy_evaluated", "dkim").Value()),
			PolicyEvaluatedSPF:         ParseAuthResult(record.Get("row", "policy_evaluated", "spf").Value()),
			PolicyEvaluatedDisposition: ParseDisposition(record.Get("row", "policy_evaluated", "disposition").Value()),
			PolicyEvaluatedReasonType:  ParseOverrideReason(record.Get("row", "policy_evaluated", "reason", "type").Value()),
			EnvelopeTo:                 record.Get("identifiers", "envelope_to").Value(),
			HeaderFrom:                 record.Get("identifiers", "header_from").Value(),
		})
	}
	return rows, nil
}

func normalizeMetadata(n *Node) ReportMetadata {
	meta := ReportMetadata{
		ReportID:       NormalizeReportID(n.Get("report_id").Value()),
		OrgName:        n.Get("org_name").Value(),
		DateRangeBegin: parseInt(n.Get("date_range", "begin").Value()),
		DateRangeEnd:   parseInt(n.Get("date_range", "end").Value()),
	}
	if errs := n.Get("error"); errs != nil {
		if b, err := json.Marshal(errs); err == nil {
			meta.Error = string(b)
		}
	}
	return meta
}

func normalizePolicy(n *Node) PolicyPublished {
	return PolicyPublished{
		Domain: n.Get("domain").Value(),
		ADKIM:  ParseAlignment(n.Get("adkim").Value()),
		ASPF:   ParseAlignment(n.Get("aspf").Value()),
		P:      ParseDisposition(n.Get("p").Value()),
		SP:     ParseDisposition(n.Get("sp").Value()),
		Pct:    parseInt(n.Get("pct").Value()),
	}
}

// NormalizeReportID replaces every hyphen with an underscore so the id can
// be used as a storage key downstream.
func NormalizeReportID(id string) string {
	return strings.ReplaceAll(id, "-", "_")
}

// parseInt reads the leading integer of s. Anything without leading digits
// or out of range yields 0.
func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
