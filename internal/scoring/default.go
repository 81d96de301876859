package scoring

import (
	_ "embed"
)

//go:embed default_model.json
var defaultModel []byte

// DefaultModel returns the model bundled with the binary.
func DefaultModel() (*Model, error) {
	return ParseModel(defaultModel)
}
