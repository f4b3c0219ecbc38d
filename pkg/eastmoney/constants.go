package eastmoney

import "fmt"

// Field is a provider field code, e.g. "f62".
type Field string

// FieldMeta holds the provider code and the CSV label of a fund-flow field.
type FieldMeta struct {
	Code  Field
	Label string
	Ratio bool // percentage of turnover rather than an amount
}

const (
	FieldMainNet         Field = "f62"
	FieldSuperLargeNet   Field = "f66"
	FieldLargeNet        Field = "f72"
	FieldMediumNet       Field = "f78"
	FieldSmallNet        Field = "f84"
	FieldMainRatio       Field = "f184"
	FieldSuperLargeRatio Field = "f69"
	FieldLargeRatio      Field = "f75"
	FieldMediumRatio     Field = "f81"
	FieldSmallRatio      Field = "f87"
)

// fieldCatalog maps every supported field to its label.
var fieldCatalog = map[Field]FieldMeta{
	FieldMainNet:         {Code: FieldMainNet, Label: "main_net_inflow"},
	FieldSuperLargeNet:   {Code: FieldSuperLargeNet, Label: "super_large_net_inflow"},
	FieldLargeNet:        {Code: FieldLargeNet, Label: "large_net_inflow"},
	FieldMediumNet:       {Code: FieldMediumNet, Label: "medium_net_inflow"},
	FieldSmallNet:        {Code: FieldSmallNet, Label: "small_net_inflow"},
	FieldMainRatio:       {Code: FieldMainRatio, Label: "main_net_ratio", Ratio: true},
	FieldSuperLargeRatio: {Code: FieldSuperLargeRatio, Label: "super_large_net_ratio", Ratio: true},
	FieldLargeRatio:      {Code: FieldLargeRatio, Label: "large_net_ratio", Ratio: true},
	FieldMediumRatio:     {Code: FieldMediumRatio, Label: "medium_net_ratio", Ratio: true},
	FieldSmallRatio:      {Code: FieldSmallRatio, Label: "small_net_ratio", Ratio: true},
}

// IsValid checks if the field is in the catalog.
func (f Field) IsValid() bool {
	_, ok := fieldCatalog[f]
	return ok
}

// ParseField looks a field code up in the catalog.
func ParseField(s string) (FieldMeta, error) {
	meta, ok := fieldCatalog[Field(s)]
	if !ok {
		return FieldMeta{}, fmt.Errorf("unknown eastmoney field: %s", s)
	}
	return meta, nil
}

// ParseFields resolves a list of field codes, keeping order.
func ParseFields(codes []string) ([]FieldMeta, error) {
	out := make([]FieldMeta, 0, len(codes))
	for _, c := range codes {
		meta, err := ParseField(c)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// Labels returns the labels of fields in order.
func Labels(fields []FieldMeta) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Label
	}
	return out
}

// Codes returns the provider codes of fields in order.
func Codes(fields []FieldMeta) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f.Code)
	}
	return out
}
