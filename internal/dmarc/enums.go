package dmarc

import "strings"

// AlignmentType is the DKIM/SPF identifier alignment mode.
type AlignmentType uint8

const (
	AlignmentRelaxed AlignmentType = iota
	AlignmentStrict
)

// AuthResultType is the policy evaluated DKIM/SPF result.
type AuthResultType uint8

const (
	AuthResultFail AuthResultType = iota
	AuthResultPass
)

// DispositionType is the policy action requested or applied.
type DispositionType uint8

const (
	DispositionNone DispositionType = iota
	DispositionQuarantine
	DispositionReject
)

// PolicyOverrideReason explains why the published policy was not applied.
type PolicyOverrideReason uint8

const (
	OverrideOther PolicyOverrideReason = iota
	OverrideForwarded
	OverrideSampledOut
	OverrideTrustedForwarder
	OverrideMailingList
	OverrideLocalPolicy
)

var alignmentTypes = map[string]AlignmentType{
	"r":       AlignmentRelaxed,
	"relaxed": AlignmentRelaxed,
	"s":       AlignmentStrict,
	"strict":  AlignmentStrict,
}

var authResultTypes = map[string]AuthResultType{
	"fail": AuthResultFail,
	"pass": AuthResultPass,
}

var dispositionTypes = map[string]DispositionType{
	"none":       DispositionNone,
	"quarantine": DispositionQuarantine,
	"reject":     DispositionReject,
}

var policyOverrideReasons = map[string]PolicyOverrideReason{
	"other":             OverrideOther,
	"forwarded":         OverrideForwarded,
	"sampled_out":       OverrideSampledOut,
	"trusted_forwarder": OverrideTrustedForwarder,
	"mailing_list":      OverrideMailingList,
	"local_policy":      OverrideLocalPolicy,
}

// lookup maps s through table, unknown values yield the zero member. The
// match is case sensitive, report values are lower case.
func lookup[T ~uint8](table map[string]T, s string) T {
	return table[strings.TrimSpace(s)]
}

// ParseAlignment maps an adkim/aspf value, unknown values yield relaxed.
func ParseAlignment(s string) AlignmentType { return lookup(alignmentTypes, s) }

// ParseAuthResult maps a policy_evaluated dkim/spf value, unknown values
// yield fail.
func ParseAuthResult(s string) AuthResultType { return lookup(authResultTypes, s) }

// ParseDisposition maps a p/sp/disposition value, unknown values yield none.
func ParseDisposition(s string) DispositionType { return lookup(dispositionTypes, s) }

// ParseOverrideReason maps a reason type, unknown values yield other.
func ParseOverrideReason(s string) PolicyOverrideReason {
	return lookup(policyOverrideReasons, s)
}

func (a AlignmentType) String() string {
	if a == AlignmentStrict {
		return "s"
	}
	return "r"
}

func (a AuthResultType) String() string {
	if a == AuthResultPass {
		return "pass"
	}
	return "fail"
}

func (d DispositionType) String() string {
	switch d {
	case DispositionQuarantine:
		return "quarantine"
	case DispositionReject:
		return "reject"
	default:
		return "none"
	}
}

func (p PolicyOverrideReason) String() string {
	switch p {
	case OverrideForwarded:
		return "forwarded"
	case OverrideSampledOut:
		return "sampled_out"
	case OverrideTrustedForwarder:
		return "trusted_forwarder"
	case OverrideMailingList:
		return "mailing_list"
	case OverrideLocalPolicy:
		return "local_policy"
	default:
		return "other"
	}
}
