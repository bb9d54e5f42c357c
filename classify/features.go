package classify

import (
	"math"
	"strings"
	"time"

	"github.com/weppos/publicsuffix-go/net/publicsuffix"

	"github.com/cse-watch/phishmon/enrich"
)

// Missing is the sentinel imputed for features that cannot be derived from a
// partial enrichment record. A partial feature vector is still informative,
// so extraction is total and never fails.
const Missing = -1

// FeatureVector is the fixed, ordered set of inputs to the decision function.
// The zero value is meaningless; always build one through Extract.
type FeatureVector struct {
	DomainLength     float64
	ApexLabelLength  float64
	NumDots          float64
	NumHyphens       float64
	NumDigits        float64
	EntropyDomain    float64
	EntropyApexLabel float64
	HasPunycode      float64
	AgeDays          float64
	RegistrationDays float64
	HasMX            float64
	NSCount          float64
	HasTls           float64
}

// featureNames follows the field order of FeatureVector.
var featureNames = []string{
	"domain_length",
	"apex_label_length",
	"num_dots",
	"num_hyphens",
	"num_digits",
	"entropy_domain",
	"entropy_apex_label",
	"has_punycode",
	"age_days",
	"registration_days",
	"has_mx",
	"ns_count",
	"has_tls",
}

func FeatureNames() []string {
	names := make([]string, len(featureNames))
	copy(names, featureNames)
	return names
}

// Values returns the vector in the order of FeatureNames.
func (v FeatureVector) Values() []float64 {
	return []float64{
		v.DomainLength,
		v.ApexLabelLength,
		v.NumDots,
		v.NumHyphens,
		v.NumDigits,
		v.EntropyDomain,
		v.EntropyApexLabel,
		v.HasPunycode,
		v.AgeDays,
		v.RegistrationDays,
		v.HasMX,
		v.NSCount,
		v.HasTls,
	}
}

// Extract derives the feature vector for a canonical domain and its
// enrichment record. Deterministic: identical inputs yield identical vectors.
func Extract(rec *enrich.Record, fqdn string, now time.Time) FeatureVector {
	v := FeatureVector{
		DomainLength:     float64(len(fqdn)),
		NumDots:          float64(strings.Count(fqdn, ".")),
		NumHyphens:       float64(strings.Count(fqdn, "-")),
		NumDigits:        float64(countDigits(fqdn)),
		EntropyDomain:    entropy(fqdn),
		ApexLabelLength:  Missing,
		EntropyApexLabel: Missing,
		AgeDays:          Missing,
		RegistrationDays: Missing,
		HasMX:            Missing,
		NSCount:          Missing,
		HasTls:           0,
	}

	if strings.Contains(fqdn, "xn--") {
		v.HasPunycode = 1
	}

	if apex, err := publicsuffix.EffectiveTLDPlusOne(fqdn); err == nil {
		label := strings.Split(apex, ".")[0]
		v.ApexLabelLength = float64(len(label))
		v.EntropyApexLabel = entropy(label)
	}

	if rec == nil {
		return v
	}

	if rec.Created != nil {
		age := now.Sub(*rec.Created).Hours() / 24
		if age >= 0 {
			v.AgeDays = age
		}
		if rec.Expires != nil {
			v.RegistrationDays = rec.Expires.Sub(*rec.Created).Hours() / 24
		}
	}

	// DNS features are only meaningful when the DNS lookup produced data
	if _, failed := rec.Failures["dns"]; !failed {
		if len(rec.MX) > 0 {
			v.HasMX = 1
		} else {
			v.HasMX = 0
		}
		v.NSCount = float64(len(rec.NS))
	}

	if rec.TlsIssuer != nil {
		v.HasTls = 1
	}

	return v
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// entropy computes the Shannon entropy of a string in bits per character.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	e := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		e -= p * math.Log2(p)
	}
	return e
}
