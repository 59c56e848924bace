// Package detect finds PII entities: a deterministic regex detector, a
// client for a local NER model sidecar, and the merge policy that combines
// their verdicts.
package detect

import (
	"context"
	"regexp"

	"github.com/kalambet/scrubd/internal/adapter"
)

// Categories.
const (
	CategorySSN          = "SSN"
	CategoryPhoneUS      = "PHONE_US"
	CategoryPhoneIN      = "PHONE_IN"
	CategoryEmail        = "EMAIL"
	CategoryAadhaar      = "AADHAAR"
	CategoryPAN          = "PAN"
	CategoryCreditCard   = "CREDIT_CARD"
	CategoryDateOfBirth  = "DATE_OF_BIRTH"
	CategoryIPAddress    = "IP_ADDRESS"
	CategoryLinkedIn     = "URL_LINKEDIN"
	CategoryGitHub       = "URL_GITHUB"
	CategoryPerson       = "PERSON"
	CategoryLocation     = "LOCATION"
	CategoryOrganization = "ORGANIZATION"
)

type rule struct {
	category string
	re       *regexp.Regexp
}

// Rules are evaluated in this order; the order only matters for output
// stability before the merge.
var rules = []rule{
	{CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{CategoryPhoneUS, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	// Seven-digit local numbers such as 555-0199.
	{CategoryPhoneUS, regexp.MustCompile(`\b\d{3}-\d{4}\b`)},
	{CategoryPhoneIN, regexp.MustCompile(`(?:\+91[\s-]?)?\b[6-9]\d{4}[\s-]?\d{5}\b`)},
	{CategoryEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{CategoryAadhaar, regexp.MustCompile(`\b\d{4}\s\d{4}\s\d{4}\b`)},
	{CategoryPAN, regexp.MustCompile(`\b[A-Z]{5}\d{4}[A-Z]\b`)},
	{CategoryCreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
	{CategoryDateOfBirth, regexp.MustCompile(`\b(?:0?[1-9]|[12]\d|3[01])[/\-.](?:0?[1-9]|1[0-2])[/\-.](?:19|20)\d{2}\b`)},
	{CategoryIPAddress, regexp.MustCompile(`\b(?:25[0-5]|2[0-4]\d|[01]?\d\d?)(?:\.(?:25[0-5]|2[0-4]\d|[01]?\d\d?)){3}\b`)},
	{CategoryLinkedIn, regexp.MustCompile(`\b(?:https?://)?(?:www\.)?linkedin\.com/in/[\w-]+\b`)},
	{CategoryGitHub, regexp.MustCompile(`\b(?:https?://)?(?:www\.)?github\.com/[\w-]+\b`)},
}

// Rules is the regex detector. Every match has confidence 1.0.
type Rules struct{}

// NewRules returns the rule-based detector.
func NewRules() *Rules { return &Rules{} }

func (Rules) Detect(ctx context.Context, text string, _ []adapter.LayoutRegion) ([]adapter.Entity, error) {
	var out []adapter.Entity
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return nil, adapter.ErrTimeout
		}
		for _, m := range r.re.FindAllStringIndex(text, -1) {
			out = append(out, adapter.Entity{
				Category:   r.category,
				Start:      m[0],
				End:        m[1],
				Confidence: 1.0,
				Source:     adapter.SourceRule,
			})
		}
	}
	return out, nil
}
