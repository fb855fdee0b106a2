package flow

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Parse converts a raw input value into the declared type. Strings are
// interpreted as JSON for list and object types.
func (t ValueType) Parse(v any) (any, error) {
	switch t {
	case "", TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	case TypeInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("value %v is not an integer", n)
			}
			return int(n), nil
		case string:
			return strconv.Atoi(strings.TrimSpace(n))
		}
	case TypeDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(n), 64)
		}
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(b))
		}
	case TypeList:
		switch l := v.(type) {
		case []any:
			return l, nil
		case string:
			var out []any
			if err := json.Unmarshal([]byte(l), &out); err != nil {
				return nil, err
			}
			return out, nil
		}
	case TypeObject:
		switch o := v.(type) {
		case map[string]any:
			return o, nil
		case string:
			var out map[string]any
			if err := json.Unmarshal([]byte(o), &out); err != nil {
				return nil, err
			}
			return out, nil
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("value of type %T does not match '%s'", v, t)
}

// ResolveInputs checks that every declared flow input is provided (or has a
// default) and converts values to their declared types. Undeclared inputs are
// passed through. line is only used in error messages; pass -1 when the call is
// not line scoped.
func (f *Flow) ResolveInputs(inputs map[string]any, line int) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		resolved[k] = v
	}
	for name, def := range f.Inputs {
		raw, ok := inputs[name]
		if !ok {
			if def.HasDefault {
				resolved[name] = def.Default
				continue
			}
			return nil, derrors.Validation("the value for flow input '%s' is not provided%s", name, lineInfo(line)).WithLine(line)
		}
		v, err := def.Type.Parse(raw)
		if err != nil {
			return nil, derrors.NewError(derrors.CodeValidation,
				fmt.Sprintf("the value for flow input '%s'%s does not match the expected type '%s'", name, lineInfo(line), def.Type), err).WithLine(line)
		}
		resolved[name] = v
	}
	return resolved, nil
}

func lineInfo(line int) string {
	if line < 0 {
		return ""
	}
	return fmt.Sprintf(" in line %d of input data", line)
}
