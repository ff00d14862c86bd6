package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// ParamError reports a request parameter that does not fit the declared
// parameter of a function source.
type ParamError struct {
	Source string
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("source %q parameter %q: %s", e.Source, e.Param, e.Reason)
}

// maxParamLength bounds text parameters passed to tile functions.
const maxParamLength = 4096

// coordTypes are the accepted types for the z, x and y parameters.
var coordTypes = map[string]bool{"int2": true, "int4": true, "int8": true}

// paramTypes are the accepted types for extra function parameters, keyed by
// PostgreSQL udt name.
var paramTypes = map[string]bool{
	"int2": true, "int4": true, "int8": true,
	"float4": true, "float8": true, "numeric": true,
	"bool": true,
	"text": true, "varchar": true,
	"json": true, "jsonb": true,
}

// IsCoordType reports whether udt is usable for a z/x/y parameter.
func IsCoordType(udt string) bool { return coordTypes[udt] }

// IsParamType reports whether udt is usable for an extra function parameter.
func IsParamType(udt string) bool { return paramTypes[udt] }

// IsJSONType reports whether udt receives the whole request query as JSON.
func IsJSONType(udt string) bool { return udt == "json" || udt == "jsonb" }

// ConvertParam converts a raw request value to the Go value bound for a
// parameter of the given udt type.
func ConvertParam(udt, raw string) (any, error) {
	switch udt {
	case "int2":
		return strconv.ParseInt(raw, 10, 16)
	case "int4":
		return strconv.ParseInt(raw, 10, 32)
	case "int8":
		return strconv.ParseInt(raw, 10, 64)
	case "float4":
		f, err := strconv.ParseFloat(raw, 32)
		return f, err
	case "float8", "numeric":
		return strconv.ParseFloat(raw, 64)
	case "bool":
		return strconv.ParseBool(raw)
	case "text", "varchar":
		return SanitizeStringValue(raw, maxParamLength)
	}
	return nil, fmt.Errorf("unsupported parameter type %q", udt)
}

// queryJSON encodes request parameters as a JSON object. Single values become
// strings, repeated values become arrays.
func queryJSON(params url.Values) (string, error) {
	obj := make(map[string]any, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := params[k]
		for _, v := range vals {
			if _, err := SanitizeStringValue(v, maxParamLength); err != nil {
				return "", err
			}
		}
		if len(vals) == 1 {
			obj[k] = vals[0]
		} else {
			obj[k] = vals
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// functionArgs resolves the extra parameters of fn against the request.
func functionArgs(src model.Source, params url.Values, args *argList) ([]string, error) {
	fn := src.Function
	var named []string
	for _, p := range fn.Params {
		if IsJSONType(p.Type) {
			doc, err := queryJSON(params)
			if err != nil {
				return nil, &ParamError{Source: src.ID, Param: p.Name, Reason: err.Error()}
			}
			named = append(named, QuoteIdentifier(p.Name)+" => "+args.add(doc, p.Type))
			continue
		}
		raw, ok := params[p.Name]
		if !ok || len(raw) == 0 {
			if p.HasDefault {
				continue
			}
			return nil, &ParamError{Source: src.ID, Param: p.Name, Reason: "required parameter is missing"}
		}
		if len(raw) > 1 {
			return nil, &ParamError{Source: src.ID, Param: p.Name, Reason: "parameter given more than once"}
		}
		v, err := ConvertParam(p.Type, raw[0])
		if err != nil {
			return nil, &ParamError{Source: src.ID, Param: p.Name, Reason: fmt.Sprintf("not a valid %s: %v", p.Type, err)}
		}
		named = append(named, QuoteIdentifier(p.Name)+" => "+args.add(v, p.Type))
	}
	return named, nil
}
