package util

import (
	"encoding/json"

	"github.com/autom8ter/myquery/errors"
	"github.com/ghodss/yaml"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate = validator.New()

// ValidateStruct validates the struct against its `validate` tags
func ValidateStruct(val any) error {
	return errors.Wrap(validate.Struct(val), errors.Validation, "")
}

// Decode decodes the input into the output based on json tags
func Decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		WeaklyTypedInput:     true,
		Result:               output,
		TagName:              "json",
		IgnoreUntaggedFields: true,
	}
	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// JSONString returns a json string of the input
func JSONString(input any) string {
	bits, _ := json.Marshal(input)
	return string(bits)
}

// JSONRoundTrip normalizes a go value into its decoded json form (maps, slices, float64s...)
func JSONRoundTrip(input any) (any, error) {
	bits, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(bits, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func YAMLToJSON(yamlContent []byte) ([]byte, error) {
	if isJSON(string(yamlContent)) {
		return yamlContent, nil
	}
	return yaml.YAMLToJSON(yamlContent)
}

func JSONToYAML(jsonContent []byte) ([]byte, error) {
	return yaml.JSONToYAML(jsonContent)
}

func isJSON(str string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(str), &js) == nil
}

// JSONRoundTripMap converts a json object compatible value into a map
func JSONRoundTripMap(input any) map[string]any {
	out, _ := JSONRoundTrip(input)
	m, _ := out.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m
}
