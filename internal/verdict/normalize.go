package verdict

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ErrInvalidVerdict is returned when a value cannot be turned into a valid Verdict.
var ErrInvalidVerdict = errors.New("invalid verdict")

// Normalize converts any verdict representation crossing a component
// boundary into the canonical Verdict. Accepted shapes: Verdict, *Verdict,
// map[string]any (as produced by generic JSON/YAML decoding), and raw JSON
// bytes or strings. The result is always validated; FailClass is derived
// from the counts when the producer left it out.
func Normalize(in any) (Verdict, error) {
	var v Verdict
	switch x := in.(type) {
	case Verdict:
		v = x
	case *Verdict:
		if x == nil {
			return Verdict{}, fmt.Errorf("%w: nil pointer", ErrInvalidVerdict)
		}
		v = *x
	case map[string]any:
		decoded, err := FromMap(x)
		if err != nil {
			return Verdict{}, err
		}
		v = decoded
	case []byte:
		return normalizeJSON(x)
	case json.RawMessage:
		return normalizeJSON(x)
	case string:
		return normalizeJSON([]byte(x))
	case nil:
		return Verdict{}, fmt.Errorf("%w: nil", ErrInvalidVerdict)
	default:
		return Verdict{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidVerdict, in)
	}

	v.Kind = Kind(strings.ToUpper(string(v.Kind)))
	v.FailClass = normalizeFailClass(v.FailClass)
	if v.Kind == Fail && v.FailClass == FailNone {
		v.FailClass = classify(v.NewIssueCount, v.PreexistingIssueCount)
	}
	if err := v.Validate(); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

// FromMap decodes a generic key/value map into a Verdict.
func FromMap(m map[string]any) (Verdict, error) {
	var v Verdict
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &v,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("creating verdict decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	return v, nil
}

// ToMap encodes a Verdict into the generic map form used by loosely typed
// consumers such as event payloads.
func ToMap(v Verdict) (map[string]any, error) {
	out := map[string]any{}
	if err := mapstructure.Decode(v, &out); err != nil {
		return nil, fmt.Errorf("encoding verdict: %w", err)
	}
	return out, nil
}

func normalizeJSON(data []byte) (Verdict, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	return Normalize(m)
}

func normalizeFailClass(c FailClass) FailClass {
	switch strings.ToLower(strings.ReplaceAll(string(c), "-", "_")) {
	case "regression":
		return FailRegression
	case "preexisting_only", "pre_existing_only":
		return FailPreexistingOnly
	default:
		return FailNone
	}
}
