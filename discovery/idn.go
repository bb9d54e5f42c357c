package discovery

import (
	"context"
	"strings"

	"github.com/cse-watch/phishmon/domains"
	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// Confusable unicode characters per ASCII letter. The lists are short on
// purpose: registries reject most exotic scripts, so only the substitutions
// that resolve in the wild are worth probing.
var homographs = map[rune][]rune{
	'a': {'а', 'ɑ', 'α'},
	'b': {'Ь', 'ᖯ'},
	'c': {'с', 'ϲ'},
	'd': {'ԁ'},
	'e': {'е', 'ė', 'ε'},
	'g': {'ɡ'},
	'h': {'һ'},
	'i': {'і', 'ι'},
	'j': {'ј'},
	'k': {'κ', 'к'},
	'n': {'ո'},
	'o': {'о', 'ο'},
	'p': {'р', 'ρ'},
	'q': {'ԛ'},
	'r': {'г'},
	's': {'ѕ'},
	't': {'т'},
	'u': {'υ', 'ս'},
	'v': {'ν', 'ѵ'},
	'w': {'ԝ'},
	'x': {'х'},
	'y': {'у', 'ү'},
	'z': {'ᴢ'},
}

// Idn derives homograph variants of a seed domain and streams them in
// punycode form, the shape they would show up in DNS.
type Idn struct {
	seed        string
	maxVariants int
}

func NewIdn(seed string, maxVariants int) *Idn {
	if maxVariants <= 0 {
		maxVariants = 100
	}
	return &Idn{
		seed:        seed,
		maxVariants: maxVariants,
	}
}

func (g *Idn) Name() string {
	return "idn-homograph"
}

func (g *Idn) Discover(ctx context.Context, out chan<- Candidate) error {
	d, err := domains.New(g.seed)
	if err != nil {
		return errors.Wrap(err, "parse seed domain")
	}

	base := strings.TrimSuffix(d.Apex, "."+d.PublicSuffix)
	suffix := d.PublicSuffix

	seen := map[string]bool{}
	count := 0
	push := func(label string) bool {
		if count >= g.maxVariants {
			return false
		}
		ascii, err := idna.ToASCII(label + "." + suffix)
		if err != nil {
			return true
		}
		if seen[ascii] {
			return true
		}
		seen[ascii] = true
		count++
		return emit(ctx, out, Candidate{
			Domain: ascii,
			Source: g.Name(),
		})
	}

	runes := []rune(base)

	// single substitutions
	for i, c := range runes {
		for _, h := range homographs[c] {
			variant := string(runes[:i]) + string(h) + string(runes[i+1:])
			if !push(variant) {
				return ctx.Err()
			}
		}
	}

	// pairs of nearby substitutions, two candidates per position at most
	for i := 0; i < len(runes); i++ {
		for j := i + 1; j < len(runes) && j < i+3; j++ {
			hi, hj := homographs[runes[i]], homographs[runes[j]]
			if len(hi) > 2 {
				hi = hi[:2]
			}
			if len(hj) > 2 {
				hj = hj[:2]
			}
			for _, a := range hi {
				for _, b := range hj {
					variant := string(runes[:i]) + string(a) +
						string(runes[i+1:j]) + string(b) + string(runes[j+1:])
					if !push(variant) {
						return ctx.Err()
					}
				}
			}
		}
	}

	return nil
}
