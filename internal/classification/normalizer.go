package classification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Schema identifies the shape of a remote vision payload.
type Schema int

const (
	SchemaUnknown Schema = iota
	SchemaGenAI
	SchemaType
	SchemaNonDiscriminative
)

func (s Schema) String() string {
	switch s {
	case SchemaGenAI:
		return "genai"
	case SchemaType:
		return "type"
	case SchemaNonDiscriminative:
		return "non_discriminative"
	default:
		return "unknown"
	}
}

// Outcome tells the caller how much a normalized result can be trusted.
type Outcome int

const (
	// OutcomeMatched means the payload carried an authenticity signal.
	OutcomeMatched Outcome = iota
	// OutcomeNeutral means the payload parsed but says nothing about authenticity.
	OutcomeNeutral
	// OutcomeParseError means the payload could not be interpreted.
	OutcomeParseError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeNeutral:
		return "neutral"
	default:
		return "parse_error"
	}
}

// Normalized is a canonical result together with how it was obtained.
type Normalized struct {
	Result  Result
	Schema  Schema
	Outcome Outcome
	Err     error
}

const (
	RemoteSourcePrefix = "remote:"
	LocalSourcePrefix  = "local:"

	// FakeThreshold is the P(fake) at or above which a remote result is FAKE.
	FakeThreshold = 0.5
	// DefaultWeight stands in for a confidence the model did not report.
	DefaultWeight = 0.5
)

// nonDiscriminativeKeys are model families whose output carries no authenticity signal.
var nonDiscriminativeKeys = []string{"nudity", "faces", "face-attributes", "weapon", "drugs", "alcohol"}

// DetectSchema resolves the schema of a decoded payload. The first match wins.
func DetectSchema(doc map[string]json.RawMessage) (Schema, string) {
	if _, ok := doc["genai"]; ok {
		return SchemaGenAI, "genai"
	}
	if _, ok := doc["type"]; ok {
		return SchemaType, "type"
	}
	for _, key := range nonDiscriminativeKeys {
		if _, ok := doc[key]; ok {
			return SchemaNonDiscriminative, key
		}
	}
	return SchemaUnknown, "unknown"
}

// NormalizeRemote converts a raw remote vision document into a canonical result.
// It never fails: unparseable input yields an UNKNOWN result with zero confidence
// and the error text kept in RawPayload.
func NormalizeRemote(payload []byte) Normalized {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil || doc == nil {
		if err == nil {
			err = fmt.Errorf("payload is not a JSON object")
		}
		return parseFailure(RemoteSourcePrefix+"unknown", SchemaUnknown, payload, err)
	}

	schema, key := DetectSchema(doc)
	source := RemoteSourcePrefix + key

	switch schema {
	case SchemaGenAI:
		return probabilityResult(source, schema, doc["genai"], payload, "ai_generated_prob", "prob")
	case SchemaType:
		return probabilityResult(source, schema, doc["type"], payload, "ai_generated")
	case SchemaNonDiscriminative:
		return Normalized{
			Result:  NewResult(source, LabelUnknown, 0, payload),
			Schema:  schema,
			Outcome: OutcomeNeutral,
		}
	default:
		return Normalized{
			Result:  NewResult(source, LabelUnknown, 0, payload),
			Schema:  SchemaUnknown,
			Outcome: OutcomeNeutral,
		}
	}
}

// probabilityResult reads P(fake) from the first present key of an object section.
// A missing or null section counts as probability 0, as does a section without any of the keys.
func probabilityResult(source string, schema Schema, section json.RawMessage, payload []byte, keys ...string) Normalized {
	var fields map[string]json.RawMessage
	if len(section) > 0 && !bytes.Equal(bytes.TrimSpace(section), []byte("null")) {
		if err := json.Unmarshal(section, &fields); err != nil {
			return parseFailure(source, schema, payload, fmt.Errorf("%s section: %w", schema, err))
		}
	}

	prob := 0.0
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		value, err := parseProbability(raw)
		if err != nil {
			return parseFailure(source, schema, payload, fmt.Errorf("%s.%s: %w", schema, key, err))
		}
		prob = value
		break
	}

	isFake := prob >= FakeThreshold
	// The genai family may also carry an explicit verdict which overrides the threshold.
	if raw, ok := fields["ai_generated"]; ok && schema == SchemaGenAI {
		var explicit bool
		if err := json.Unmarshal(raw, &explicit); err == nil {
			isFake = explicit
		}
	}

	label := LabelReal
	if isFake {
		label = LabelFake
	}
	return Normalized{
		Result:  NewResult(source, label, prob, payload),
		Schema:  schema,
		Outcome: OutcomeMatched,
	}
}

func parseProbability(raw json.RawMessage) (float64, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return 0, fmt.Errorf("probability is null")
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("not a number: %s", string(raw))
	}
	number, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", text)
	}
	return number, nil
}

func parseFailure(source string, schema Schema, payload []byte, err error) Normalized {
	diag := map[string]any{"error": "parse error: " + err.Error()}
	if json.Valid(payload) {
		diag["payload"] = json.RawMessage(payload)
	} else {
		diag["payload"] = string(payload)
	}
	raw, marshalErr := json.Marshal(diag)
	if marshalErr != nil {
		raw = nil
	}
	return Normalized{
		Result: Result{
			SourceModel:        source,
			Label:              LabelUnknown,
			Confidence:         0,
			ConfidenceReported: true,
			RawPayload:         raw,
		},
		Schema:  schema,
		Outcome: OutcomeParseError,
		Err:     err,
	}
}

// NormalizePrediction converts a local member's label/confidence pair into a canonical result.
// A nil confidence is recorded as DefaultWeight and marked as not reported.
func NormalizePrediction(member, label string, confidence *float64, raw json.RawMessage) Result {
	source := LocalSourcePrefix + member
	normalized := NormalizeLabel(label)
	if confidence == nil {
		return Result{
			SourceModel: source,
			Label:       normalized,
			Confidence:  DefaultWeight,
			RawPayload:  raw,
		}
	}
	return NewResult(source, normalized, *confidence, raw)
}
