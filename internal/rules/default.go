package rules

import (
	_ "embed"
)

//go:embed default.yaml
var defaultRules []byte

// DefaultSet returns the rule set bundled with the binary.
func DefaultSet() (*Set, error) {
	set, err := Parse(defaultRules)
	if err != nil {
		return nil, err
	}
	set.Source = "builtin"
	return set, nil
}
