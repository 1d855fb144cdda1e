package onepassword

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lixenwraith/vaultenv"
)

// item is the subset of `op item get --format json` output that is used.
type item struct {
	ID     string             `json:"id"`
	Title  string             `json:"title"`
	Fields *[]json.RawMessage `json:"fields" validate:"required"`
}

type itemField struct {
	Label *string `json:"label"`
	Type  string  `json:"type"`
	Value any     `json:"value"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func parseItem(payload []byte) (*item, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: 1Password CLI output is not valid JSON", vaultenv.ErrMalformedResponse)
	}

	var it item
	if err := json.Unmarshal(payload, &it); err != nil {
		return nil, fmt.Errorf("%w: %v", vaultenv.ErrSchemaMismatch, err)
	}
	if err := validate.Struct(&it); err != nil {
		return nil, fmt.Errorf("%w: item has no field list", vaultenv.ErrSchemaMismatch)
	}
	return &it, nil
}

// values maps labels to values. Entries of the wrong shape, empty labels
// and null values are dropped.
func (it *item) values() map[string]any {
	out := make(map[string]any)
	for _, raw := range *it.Fields {
		var f itemField
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		if f.Label == nil || *f.Label == "" || f.Value == nil {
			continue
		}
		out[*f.Label] = f.Value
	}
	return out
}
