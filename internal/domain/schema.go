package domain

import (
	"encoding/json"
	"math"
	"strings"
)

type DataType string

const (
	DataTypeNumeric     DataType = "NUMERIC"
	DataTypeBoolean     DataType = "BOOLEAN"
	DataTypeNominal     DataType = "NOMINAL"
	DataTypeOrdinal     DataType = "ORDINAL"
	DataTypeCategorical DataType = "CATEGORICAL"
)

func (t DataType) Categorical() bool {
	return t == DataTypeNominal || t == DataTypeOrdinal || t == DataTypeCategorical
}

// MaxSlotPosition bounds feature offsets and lengths so slot arithmetic never overflows.
const MaxSlotPosition = 1 << 20

// DefaultLength is the number of aggregated values the coordinator emits for a feature type.
func (t DataType) DefaultLength() int {
	switch {
	case t == DataTypeBoolean:
		return 2
	case t == DataTypeNumeric:
		return 7
	case t.Categorical():
		return 3
	default:
		return 1
	}
}

// Feature describes one column of the vector every client contributes.
// Offset and Length locate the feature inside the aggregated output; when
// omitted they are derived from the feature order and DataType.
type Feature struct {
	Name     string   `json:"name" validate:"required,max=256"`
	DataType DataType `json:"dataType" validate:"required,oneof=NUMERIC BOOLEAN NOMINAL ORDINAL CATEGORICAL"`
	Offset   *int     `json:"offset,omitempty" validate:"omitempty,min=0,max=1048576"`
	Length   int      `json:"length,omitempty" validate:"omitempty,min=1,max=1048576"`
	Fields   []string `json:"fields,omitempty"`
}

// UnmarshalJSON accepts featureName as an alias of name.
func (f *Feature) UnmarshalJSON(data []byte) error {
	type plain Feature
	var decoded struct {
		plain
		FeatureName string `json:"featureName"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*f = Feature(decoded.plain)
	if strings.TrimSpace(f.Name) == "" {
		f.Name = decoded.FeatureName
	}
	f.DataType = DataType(strings.ToUpper(strings.TrimSpace(string(f.DataType))))
	return nil
}

type Schema []Feature

// FeatureSlot is a feature with its resolved position in the aggregated output.
type FeatureSlot struct {
	Feature
	Start int
	End   int
}

// Within reports whether the slot is a well-formed range inside an output of n values.
func (s FeatureSlot) Within(n int) bool {
	return s.Start >= 0 && s.End >= s.Start && s.End <= n
}

// Layout resolves every feature to a [Start, End) range of the aggregated output.
func (s Schema) Layout() []FeatureSlot {
	slots := make([]FeatureSlot, 0, len(s))
	cursor := 0
	for _, feature := range s {
		start := cursor
		if feature.Offset != nil {
			start = *feature.Offset
		}
		length := feature.Length
		if length <= 0 {
			length = feature.DataType.DefaultLength()
			if len(feature.Fields) > length {
				length = len(feature.Fields)
			}
		}
		end := -1
		if start >= 0 && start <= math.MaxInt-length {
			end = start + length
		}
		slots = append(slots, FeatureSlot{Feature: feature, Start: start, End: end})
		cursor = max(end, 0)
	}
	return slots
}

func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	clone := make(Schema, len(s))
	for i, feature := range s {
		clone[i] = feature
		if feature.Offset != nil {
			offset := *feature.Offset
			clone[i].Offset = &offset
		}
		clone[i].Fields = append([]string(nil), feature.Fields...)
	}
	return clone
}
