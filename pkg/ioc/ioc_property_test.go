//go:build property
// +build property

// Property-based tests for the IOC recognizers: every extracted value
// must re-validate for its kind, and per-kind sets carry no duplicates.
package ioc_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Sentria-Labs/sentria/pkg/ioc"
)

func TestExtractSetPurity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("extracted IOCs validate and sets are duplicate-free", prop.ForAll(
		func(chunks []string) bool {
			text := ""
			for _, c := range chunks {
				text += c + " "
			}
			sets := ioc.Extract(text)
			for kind, vals := range sets {
				seen := make(map[string]struct{}, len(vals))
				for _, v := range vals {
					if _, dup := seen[v]; dup {
						return false
					}
					seen[v] = struct{}{}
					canon, err := ioc.Validate(kind, v)
					if err != nil || canon != v {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.OneGenOf(
			gen.AlphaString(),
			gen.RegexMatch(`((25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\.){3}(25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])`),
			gen.RegexMatch(`[a-f0-9]{32}`),
			gen.RegexMatch(`[a-f0-9]{64}`),
			gen.RegexMatch(`https?://[a-z0-9]+\.(com|net|io)/[a-z0-9]*`),
			gen.RegexMatch(`[a-z0-9]+\.[a-z0-9]+\.(com|org|uk)`),
		)),
	))

	properties.Property("extraction is idempotent over its own output", prop.ForAll(
		func(s string) bool {
			first := ioc.Extract(s)
			for kind, vals := range first {
				for _, v := range vals {
					again := ioc.Extract(v)
					found := false
					for _, w := range again[kind] {
						if w == v {
							found = true
						}
					}
					if !found {
						return false
					}
				}
			}
			return true
		},
		gen.RegexMatch(`([a-z0-9 .:/@-]|\n){0,200}`),
	))

	properties.TestingRun(t)
}
