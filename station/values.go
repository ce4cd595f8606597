package station

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ocpp-core/station/devicemodel"
)

// splitConfigKey parses the flat "Component.Variable" form OCPP 1.6
// configuration keys use.
func splitConfigKey(flat string) (devicemodel.Key, bool) {
	i := strings.IndexByte(flat, '.')
	if i <= 0 || i == len(flat)-1 {
		return devicemodel.Key{}, false
	}
	return devicemodel.Key{Component: flat[:i], Variable: flat[i+1:]}, true
}

// coerceValue converts a wire string into the variable's declared type.
func coerceValue(def devicemodel.Definition, raw string) (any, error) {
	switch def.Kind {
	case devicemodel.KindString:
		return raw, nil
	case devicemodel.KindInt:
		return strconv.Atoi(raw)
	case devicemodel.KindFloat:
		return strconv.ParseFloat(raw, 64)
	case devicemodel.KindBool:
		return strconv.ParseBool(raw)
	}
	return nil, fmt.Errorf("unhandled variable kind")
}

// renderValue is coerceValue's inverse for configuration reporting.
func renderValue(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case int:
		return strconv.Itoa(n)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(n)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}
