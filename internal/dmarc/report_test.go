package dmarc

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/firefart/dmarcforwarder/internal/mediatype"
)

func parseTestReport(t *testing.T, doc string) *Node {
	t.Helper()
	tree, err := ParseTree(doc, 0)
	if err != nil {
		t.Fatalf("could not parse report: %v", err)
	}
	return tree
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	rows, err := Normalize(parseTestReport(t, string(readTestReport(t, "report.xml"))))
	if err != nil {
		t.Fatalf("could not normalize: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	want := Row{
		ReportMetadata: ReportMetadata{
			ReportID:       "2f2a_11ee_9a4b_0242",
			OrgName:        "google.com",
			DateRangeBegin: 1596412800,
			DateRangeEnd:   1596499199,
		},
		PolicyPublished: PolicyPublished{
			Domain: "example.org",
			ADKIM:  AlignmentRelaxed,
			ASPF:   AlignmentStrict,
			P:      DispositionReject,
			SP:     DispositionQuarantine,
			Pct:    100,
		},
		SourceIP:                   "10.0.0.1",
		Count:                      3,
		PolicyEvaluatedDKIM:        AuthResultPass,
		PolicyEvaluatedSPF:         AuthResultPass,
		PolicyEvaluatedDisposition: DispositionNone,
		PolicyEvaluatedReasonType:  OverrideOther,
		EnvelopeTo:                 "example.net",
		HeaderFrom:                 "example.org",
	}
	if rows[0] != want {
		t.Fatalf("unexpected first row\n got: %+v\nwant: %+v", rows[0], want)
	}

	second := rows[1]
	if second.SourceIP != "10.0.0.2" || second.Count != 7 {
		t.Fatalf("unexpected second row %+v", second)
	}
	if second.PolicyEvaluatedDKIM != AuthResultFail || second.PolicyEvaluatedDisposition != DispositionQuarantine {
		t.Fatalf("unexpected evaluation in second row %+v", second)
	}
	if second.PolicyEvaluatedReasonType != OverrideForwarded {
		t.Fatalf("expected forwarded override, got %s", second.PolicyEvaluatedReasonType)
	}
	if second.EnvelopeTo != "" {
		t.Fatalf("missing envelope_to should be empty, got %q", second.EnvelopeTo)
	}
	if second.ReportMetadata != rows[0].ReportMetadata || second.PolicyPublished != rows[0].PolicyPublished {
		t.Fatal("report level fields differ between rows of the same report")
	}
}

func TestNormalizeSingleRecord(t *testing.T) {
	t.Parallel()

	rows, err := Normalize(parseTestReport(t, string(readTestReport(t, "report_single.xml"))))
	if err != nil {
		t.Fatalf("could not normalize: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.ReportID != "single_record_1" {
		t.Fatalf("report id not normalized: %q", r.ReportID)
	}
	if r.Error != `"temporary lookup failure"` {
		t.Fatalf("unexpected error field %q", r.Error)
	}
	if r.ADKIM != AlignmentStrict || r.SP != DispositionNone || r.Pct != 50 {
		t.Fatalf("unexpected policy %+v", r.PolicyPublished)
	}
	if r.PolicyEvaluatedReasonType != OverrideMailingList {
		t.Fatalf("expected mailing_list override, got %s", r.PolicyEvaluatedReasonType)
	}
}

func buildReport(records int) string {
	var sb strings.Builder
	sb.WriteString(`<feedback><report_metadata><org_name>org</org_name><report_id>id</report_id>`)
	sb.WriteString(`<error>first</error><error>second</error></report_metadata>`)
	sb.WriteString(`<policy_published><domain>example.org</domain></policy_published>`)
	for i := 0; i < records; i++ {
		fmt.Fprintf(&sb, `<record><row><source_ip>10.0.0.%d</source_ip><count>%d</count></row></record>`, i+1, i+1)
	}
	sb.WriteString(`</feedback>`)
	return sb.String()
}

func TestNormalizeRowCount(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 5} {
		rows, err := Normalize(parseTestReport(t, buildReport(n)))
		if err != nil {
			t.Fatalf("%d records: could not normalize: %v", n, err)
		}
		if len(rows) != n {
			t.Fatalf("expected %d rows, got %d", n, len(rows))
		}
		for i, r := range rows {
			if r.SourceIP != fmt.Sprintf("10.0.0.%d", i+1) || r.Count != int64(i+1) {
				t.Fatalf("row %d out of document order: %+v", i, r)
			}
			if r.ReportMetadata != rows[0].ReportMetadata || r.PolicyPublished != rows[0].PolicyPublished {
				t.Fatalf("row %d report fields differ", i)
			}
			if r.Error != `["first","second"]` {
				t.Fatalf("unexpected error list %q", r.Error)
			}
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	doc := `<feedback>
  <report_metadata><org_name>org</org_name><date_range><begin>soon</begin></date_range></report_metadata>
  <policy_published><adkim>bogus</adkim><aspf>bogus</aspf><p>maybe</p><pct>n/a</pct></policy_published>
  <record/>
  <record><row><count>12abc</count><policy_evaluated><dkim>PASS</dkim><spf>pass</spf><reason><type>unknown</type></reason></policy_evaluated></row></record>
</feedback>`

	rows, err := Normalize(parseTestReport(t, doc))
	if err != nil {
		t.Fatalf("could not normalize: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("records with missing fields must not be dropped, got %d rows", len(rows))
	}
	r := rows[0]
	if r.ReportID != "" || r.DateRangeBegin != 0 || r.DateRangeEnd != 0 || r.Error != "" {
		t.Fatalf("unexpected metadata defaults %+v", r.ReportMetadata)
	}
	if r.Domain != "" || r.ADKIM != AlignmentRelaxed || r.ASPF != AlignmentRelaxed || r.P != DispositionNone || r.Pct != 0 {
		t.Fatalf("unexpected policy defaults %+v", r.PolicyPublished)
	}
	if r.SourceIP != "" || r.Count != 0 || r.EnvelopeTo != "" || r.HeaderFrom != "" {
		t.Fatalf("unexpected record defaults %+v", r)
	}
	if rows[1].Count != 12 || rows[1].PolicyEvaluatedReasonType != OverrideOther {
		t.Fatalf("unexpected second row %+v", rows[1])
	}
	// enum values are matched case sensitively
	if rows[1].PolicyEvaluatedDKIM != AuthResultFail || rows[1].PolicyEvaluatedSPF != AuthResultPass {
		t.Fatalf("unexpected auth results dkim=%s spf=%s", rows[1].PolicyEvaluatedDKIM, rows[1].PolicyEvaluatedSPF)
	}
}

func TestNormalizeInvalidStructure(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"no policy":   `<feedback><report_metadata><org_name>a</org_name></report_metadata><record/></feedback>`,
		"no metadata": `<feedback><policy_published><domain>a</domain></policy_published><record/></feedback>`,
		"no records":  `<feedback><report_metadata><org_name>a</org_name></report_metadata><policy_published><domain>a</domain></policy_published></feedback>`,
		"empty root":  `<feedback/>`,
		"other doc":   `<html><body>hello</body></html>`,
	}
	for name, doc := range tests {
		rows, err := Normalize(parseTestReport(t, doc))
		if !errors.Is(err, ErrInvalidReportStructure) {
			t.Errorf("%s: expected invalid report structure, got %v", name, err)
		}
		if rows != nil {
			t.Errorf("%s: expected no rows, got %d", name, len(rows))
		}
	}
}

func TestNormalizeReportID(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"a-b-c":               "a_b_c",
		"--":                  "__",
		"no_hyphens_here.123": "no_hyphens_here.123",
		"":                    "",
		"6b0e0e6c-5f6e-4c3d":  "6b0e0e6c_5f6e_4c3d",
	}
	for in, want := range tests {
		got := NormalizeReportID(in)
		if got != want {
			t.Errorf("NormalizeReportID(%q) = %q, want %q", in, got, want)
		}
		if NormalizeReportID(got) != got {
			t.Errorf("NormalizeReportID not idempotent for %q", in)
		}
	}
}

func TestParseInt(t *testing.T) {
	t.Parallel()

	tests := map[string]int64{
		"100":                  100,
		" 42 ":                 42,
		"-5":                   -5,
		"100.0":                100,
		"12abc":                12,
		"abc":                  0,
		"":                     0,
		"+":                    0,
		"99999999999999999999": 0,
	}
	for in, want := range tests {
		if got := parseInt(in); got != want {
			t.Errorf("parseInt(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestEnumDefaults(t *testing.T) {
	t.Parallel()

	if ParseAlignment("bogus") != AlignmentRelaxed || ParseAlignment("s") != AlignmentStrict {
		t.Fatal("alignment lookup failed")
	}
	if ParseAuthResult("softfail") != AuthResultFail || ParseAuthResult("pass") != AuthResultPass {
		t.Fatal("auth result lookup failed")
	}
	if ParseDisposition("") != DispositionNone || ParseDisposition("reject") != DispositionReject {
		t.Fatal("disposition lookup failed")
	}
	if ParseOverrideReason("local_policy") != OverrideLocalPolicy || ParseOverrideReason("x") != OverrideOther {
		t.Fatal("override reason lookup failed")
	}
	if ParseAuthResult("PASS") != AuthResultFail || ParseDisposition("Reject") != DispositionNone || ParseAlignment("S") != AlignmentRelaxed {
		t.Fatal("lookups must be case sensitive")
	}
	if ParseDisposition(" quarantine\n") != DispositionQuarantine {
		t.Fatal("surrounding whitespace should be ignored")
	}
}

func TestReportPipelineGzip(t *testing.T) {
	t.Parallel()

	content := gzipBytes(t, readTestReport(t, "report.xml"))
	class := mediatype.Resolve("application/gzip")
	if class != mediatype.Gzip {
		t.Fatalf("expected gzip class, got %s", class)
	}
	doc, err := NewDecoder(0).Decode(class, content, "")
	if err != nil {
		t.Fatalf("could not decode: %v", err)
	}
	rows, err := Normalize(parseTestReport(t, doc))
	if err != nil {
		t.Fatalf("could not normalize: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Domain != rows[1].Domain {
		t.Fatal("policy domain differs between rows")
	}
	if rows[0].SourceIP != "10.0.0.1" || rows[1].SourceIP != "10.0.0.2" {
		t.Fatalf("unexpected source ips %s, %s", rows[0].SourceIP, rows[1].SourceIP)
	}
}
