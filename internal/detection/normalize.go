package detection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedResponse is returned when the classifier payload cannot be
// interpreted as a prediction list.
var ErrMalformedResponse = errors.New("malformed classifier response")

// predictionList is either a flat list of predictions or the inner list of
// a nested response.
type predictionList interface {
	shape() Shape
	top() (json.RawMessage, bool)
}

type flatPredictions []json.RawMessage

func (p flatPredictions) shape() Shape { return ShapeFlat }

func (p flatPredictions) top() (json.RawMessage, bool) {
	if len(p) == 0 {
		return nil, false
	}
	return p[0], true
}

type nestedPredictions []json.RawMessage

func (p nestedPredictions) shape() Shape { return ShapeNested }

func (p nestedPredictions) top() (json.RawMessage, bool) {
	if len(p) == 0 {
		return nil, false
	}
	return p[0], true
}

// Normalize converts a raw classifier response into a Result. Both the flat
// shape {"predictions":[{"class":..}]} and the nested shape
// {"predictions":[{"predictions":[{"class":..}]}]} are accepted.
func Normalize(raw []byte) (Result, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope == nil {
		return Result{}, malformed("response is not a JSON object")
	}

	outer, err := decodeList(envelope["predictions"])
	if err != nil {
		return Result{}, err
	}
	if len(outer) == 0 {
		return NoDetection(ShapeEmpty), nil
	}

	list, err := selectList(outer)
	if err != nil {
		return Result{}, err
	}

	first, ok := list.top()
	if !ok {
		return NoDetection(list.shape()), nil
	}

	label, confidence, err := decodePrediction(first)
	if err != nil {
		return Result{}, err
	}

	counts, recognized := countsFor(label)
	return Result{
		Detected:   true,
		Recognized: recognized,
		Label:      label,
		Confidence: confidence,
		Counts:     counts,
		Shape:      list.shape(),
	}, nil
}

// selectList picks the nested list of the first element when it has one.
func selectList(outer []json.RawMessage) (predictionList, error) {
	fields, err := decodeObject(outer[0])
	if err != nil {
		return nil, err
	}
	inner, err := decodeList(fields["predictions"])
	if err != nil {
		return nil, err
	}
	if len(inner) > 0 {
		return nestedPredictions(inner), nil
	}
	return flatPredictions(outer), nil
}

func decodePrediction(raw json.RawMessage) (string, float64, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return "", 0, err
	}

	var label string
	if value, ok := fields["class"]; ok && !isNull(value) {
		if err := json.Unmarshal(value, &label); err != nil {
			return "", 0, malformed("class is not a string")
		}
	}

	var confidence float64
	if value, ok := fields["confidence"]; ok && !isNull(value) {
		if err := json.Unmarshal(value, &confidence); err != nil {
			return "", 0, malformed("confidence is not a number")
		}
	}

	return strings.ToLower(strings.TrimSpace(label)), confidence, nil
}

func decodeList(raw json.RawMessage) ([]json.RawMessage, error) {
	if isNull(raw) {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, malformed("predictions is not a list")
	}
	return list, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, malformed("prediction is not an object")
	}
	return fields, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, reason)
}
