package mockbackend

import (
	"regexp"
	"strings"

	"scamwatch/internal/intel"
)

var (
	linkPattern  = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>]+`)
	upiPattern   = regexp.MustCompile(`\b[a-zA-Z0-9._-]+@[a-zA-Z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(?:\+91[\s-]?)?\b[6-9]\d{9}\b`)
	bankPattern  = regexp.MustCompile(`\b\d{11,18}\b`)
)

// extract pulls intelligence out of a scammer message. Values keep their
// first-seen order and repeat only once per category.
func extract(text string) intel.Extracted {
	withoutLinks := linkPattern.ReplaceAllString(text, " ")

	var x intel.Extracted
	x.PhishingLinks = uniq(trimLinks(linkPattern.FindAllString(text, -1)))
	for _, m := range upiPattern.FindAllStringIndex(withoutLinks, -1) {
		// user@bank.com is an email address, not a UPI handle.
		if m[1] < len(withoutLinks) && withoutLinks[m[1]] == '.' {
			continue
		}
		x.UPIIDs = append(x.UPIIDs, withoutLinks[m[0]:m[1]])
	}
	x.UPIIDs = uniq(x.UPIIDs)
	x.PhoneNumbers = uniq(normalizePhones(phonePattern.FindAllString(withoutLinks, -1)))
	x.BankAccounts = uniq(bankPattern.FindAllString(withoutLinks, -1))
	return x
}

func trimLinks(links []string) []string {
	for i, l := range links {
		links[i] = strings.TrimRight(l, ".,;:!?)")
	}
	return links
}

func normalizePhones(phones []string) []string {
	for i, p := range phones {
		p = strings.NewReplacer(" ", "", "-", "").Replace(p)
		phones[i] = p
	}
	return phones
}

func uniq(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
