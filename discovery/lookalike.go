package discovery

import (
	"context"
	"strings"

	"github.com/cse-watch/phishmon/domains"
	"github.com/pkg/errors"
)

// TLDs that are cheap to register and therefore popular with impersonators.
var commonTlds = []string{
	"com", "net", "org", "info", "co", "in",
	"xyz", "top", "online", "site", "club", "live",
	"tech", "store", "website", "space", "pro",
}

// visually similar ASCII replacements
var charSubstitutions = map[rune][]rune{
	'a': {'4'},
	'e': {'3'},
	'i': {'1', 'l'},
	'l': {'1', 'i'},
	'o': {'0'},
	's': {'5'},
	't': {'7'},
	'g': {'9'},
	'b': {'8'},
}

// adjacent keys on a qwerty layout
var keyboardAdjacency = map[rune]string{
	'a': "sqwz", 'b': "vghn", 'c': "xdfv", 'd': "serfcx",
	'e': "wsdr", 'f': "drtgvc", 'g': "ftyhbv", 'h': "gyujnb",
	'i': "ujko", 'j': "huikmn", 'k': "jiolm", 'l': "kop",
	'm': "njk", 'n': "bhjm", 'o': "iklp", 'p': "ol",
	'q': "wa", 'r': "edft", 's': "awedxz", 't': "rfgy",
	'u': "yhji", 'v': "cfgb", 'w': "qase", 'x': "zsdc",
	'y': "tghu", 'z': "asx",
}

var defaultAffixes = []string{"www", "secure", "login", "account", "verify", "update", "online", "auth"}

// Lookalike derives typosquatting variants of a seed domain: omissions,
// repetitions, substitutions, insertions, transpositions, keyboard typos,
// hyphenation, keyword affixes and alternative TLDs.
type Lookalike struct {
	seed        string
	keywords    []string
	maxVariants int
}

func NewLookalike(seed string, keywords []string, maxVariants int) *Lookalike {
	if maxVariants <= 0 {
		maxVariants = 1000
	}
	return &Lookalike{
		seed:        seed,
		keywords:    keywords,
		maxVariants: maxVariants,
	}
}

func (g *Lookalike) Name() string {
	return "lookalike"
}

func (g *Lookalike) Discover(ctx context.Context, out chan<- Candidate) error {
	d, err := domains.New(g.seed)
	if err != nil {
		return errors.Wrap(err, "parse seed domain")
	}

	base := strings.TrimSuffix(d.Apex, "."+d.PublicSuffix)
	suffix := d.PublicSuffix

	seen := map[string]bool{g.seed: true}
	count := 0
	push := func(variant, keyword string) bool {
		if seen[variant] || count >= g.maxVariants {
			return count < g.maxVariants
		}
		seen[variant] = true
		count++
		return emit(ctx, out, Candidate{
			Domain:  variant,
			Source:  g.Name(),
			Keyword: keyword,
		})
	}

	strategies := []func(base, suffix string, push func(string, string) bool) bool{
		omission,
		repetition,
		substitution,
		transposition,
		keyboardTypos,
		hyphenation,
		insertion,
	}
	for _, strategy := range strategies {
		if !strategy(base, suffix, push) {
			return ctx.Err()
		}
	}
	if !g.affixes(base, suffix, push) {
		return ctx.Err()
	}
	if !tldVariations(base, push) {
		return ctx.Err()
	}

	return nil
}

func omission(base, suffix string, push func(string, string) bool) bool {
	for i := range base {
		variant := base[:i] + base[i+1:]
		if len(variant) < 3 {
			continue
		}
		if !push(variant+"."+suffix, "") {
			return false
		}
	}
	return true
}

func repetition(base, suffix string, push func(string, string) bool) bool {
	for i := range base {
		variant := base[:i+1] + base[i:]
		if len(variant) > 63 {
			continue
		}
		if !push(variant+"."+suffix, "") {
			return false
		}
	}
	return true
}

func substitution(base, suffix string, push func(string, string) bool) bool {
	for i, c := range base {
		for _, r := range charSubstitutions[c] {
			variant := base[:i] + string(r) + base[i+1:]
			if !push(variant+"."+suffix, "") {
				return false
			}
		}
	}
	return true
}

func transposition(base, suffix string, push func(string, string) bool) bool {
	b := []byte(base)
	for i := 0; i < len(b)-1; i++ {
		if b[i] == b[i+1] {
			continue
		}
		b[i], b[i+1] = b[i+1], b[i]
		variant := string(b)
		b[i], b[i+1] = b[i+1], b[i]
		if !push(variant+"."+suffix, "") {
			return false
		}
	}
	return true
}

func keyboardTypos(base, suffix string, push func(string, string) bool) bool {
	for i, c := range base {
		for _, r := range keyboardAdjacency[c] {
			variant := base[:i] + string(r) + base[i+1:]
			if !push(variant+"."+suffix, "") {
				return false
			}
		}
	}
	return true
}

func hyphenation(base, suffix string, push func(string, string) bool) bool {
	for i := 1; i < len(base); i++ {
		variant := base[:i] + "-" + base[i:]
		if !push(variant+"."+suffix, "") {
			return false
		}
	}
	return true
}

func insertion(base, suffix string, push func(string, string) bool) bool {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	for i := 0; i <= len(base); i++ {
		for _, c := range alphabet {
			variant := base[:i] + string(c) + base[i:]
			if len(variant) > 63 {
				continue
			}
			if !push(variant+"."+suffix, "") {
				return false
			}
		}
	}
	return true
}

// affixes glues common phishing words and the configured brand keywords to
// the base label, e.g. acme -> secure-acme.com, acme-login.com.
func (g *Lookalike) affixes(base, suffix string, push func(string, string) bool) bool {
	words := append([]string{}, defaultAffixes...)
	for _, kw := range g.keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || kw == base {
			continue
		}
		words = append(words, kw)
	}

	for _, w := range words {
		keyword := ""
		if containsStr(g.keywords, w) {
			keyword = w
		}
		if !push(w+"-"+base+"."+suffix, keyword) {
			return false
		}
		if !push(base+"-"+w+"."+suffix, keyword) {
			return false
		}
		if !push(base+w+"."+suffix, keyword) {
			return false
		}
	}
	return true
}

func tldVariations(base string, push func(string, string) bool) bool {
	for _, tld := range commonTlds {
		if !push(base+"."+tld, "") {
			return false
		}
	}
	return true
}

func containsStr(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}
