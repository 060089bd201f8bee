package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai/jsonschema"
	validation "github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grachalle",
		Subsystem: "ai",
		Name:      "structured_call_duration_seconds",
		Help:      "Duration of structured-output backend calls",
	}, []string{"schema"})

	callFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grachalle",
		Subsystem: "ai",
		Name:      "structured_call_failures_total",
		Help:      "Number of structured-output calls that fell back to defaults",
	}, []string{"schema", "reason"})
)

// ErrNoCompleter indicates the caller was built without a backend.
var ErrNoCompleter = errors.New("no completer configured")

// ErrSchemaViolation wraps payloads that do not validate against the declared schema.
var ErrSchemaViolation = errors.New("response does not match schema")

// Schema binds a Go payload type to its JSON schema and compiled validator.
type Schema[T any] struct {
	name       string
	definition *jsonschema.Definition
	validator  *validation.Schema
}

// NewSchema derives the JSON schema for T and compiles a validator for it.
func NewSchema[T any](name string) (*Schema[T], error) {
	definition, err := generateDefinition(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, fmt.Errorf("generate schema %s: %w", name, err)
	}

	raw, err := json.Marshal(definition)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}

	resource := name + ".schema.json"
	compiler := validation.NewCompiler()
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	return &Schema[T]{name: name, definition: definition, validator: compiled}, nil
}

// generateDefinition defers to jsonschema.GenerateSchemaForType unless t holds a map,
// which that generator rejects. Map-bearing types are built inline with maps as objects
// whose additionalProperties carry the value schema.
func generateDefinition(t reflect.Type) (*jsonschema.Definition, error) {
	if t.Kind() == reflect.Interface {
		return nil, fmt.Errorf("unsupported type: %s", t.Kind())
	}
	if !containsMap(t, map[reflect.Type]bool{}) {
		return jsonschema.GenerateSchemaForType(reflect.Zero(t).Interface())
	}
	return mapAwareDefinition(t, map[reflect.Type]bool{})
}

func containsMap(t reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[t] {
		return false
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Map:
		return true
	case reflect.Ptr, reflect.Slice, reflect.Array:
		return containsMap(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if field := t.Field(i); field.IsExported() && containsMap(field.Type, seen) {
				return true
			}
		}
	}
	return false
}

func mapAwareDefinition(t reflect.Type, visiting map[reflect.Type]bool) (*jsonschema.Definition, error) {
	switch t.Kind() {
	case reflect.Ptr:
		return mapAwareDefinition(t.Elem(), visiting)
	case reflect.Slice, reflect.Array:
		items, err := mapAwareDefinition(t.Elem(), visiting)
		if err != nil {
			return nil, err
		}
		return &jsonschema.Definition{Type: jsonschema.Array, Items: items}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type: %s", t.Key().Kind())
		}
		values, err := mapAwareDefinition(t.Elem(), visiting)
		if err != nil {
			return nil, err
		}
		return &jsonschema.Definition{Type: jsonschema.Object, AdditionalProperties: *values}, nil
	case reflect.Struct:
		if visiting[t] {
			return nil, fmt.Errorf("recursive type %s cannot hold a map", t)
		}
		visiting[t] = true
		defer delete(visiting, t)
		return structDefinition(t, visiting)
	case reflect.Interface:
		return nil, fmt.Errorf("unsupported type: %s", t.Kind())
	default:
		definition, err := jsonschema.GenerateSchemaForType(reflect.Zero(t).Interface())
		if err != nil {
			return nil, err
		}
		definition.Defs = nil
		return definition, nil
	}
}

// structDefinition reads the same json, description, enum, nullable and required tags
// as the go-openai generator.
func structDefinition(t reflect.Type, visiting map[reflect.Type]bool) (*jsonschema.Definition, error) {
	definition := &jsonschema.Definition{
		Type:                 jsonschema.Object,
		Properties:           map[string]jsonschema.Definition{},
		AdditionalProperties: false,
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		required := !strings.Contains(opts, "omitempty")

		property, err := mapAwareDefinition(field.Type, visiting)
		if err != nil {
			return nil, err
		}
		if description := field.Tag.Get("description"); description != "" {
			property.Description = description
		}
		if enum := field.Tag.Get("enum"); enum != "" {
			property.Enum = strings.Split(enum, ",")
		}
		if nullable := field.Tag.Get("nullable"); nullable != "" {
			property.Nullable, _ = strconv.ParseBool(nullable)
		}
		if value := field.Tag.Get("required"); value != "" {
			required, _ = strconv.ParseBool(value)
		}

		definition.Properties[name] = *property
		if required {
			definition.Required = append(definition.Required, name)
		}
	}
	return definition, nil
}

// MustSchema is NewSchema for package-level schema declarations.
func MustSchema[T any](name string) *Schema[T] {
	schema, err := NewSchema[T](name)
	if err != nil {
		panic(err)
	}
	return schema
}

// Name returns the schema name sent to the backend.
func (s *Schema[T]) Name() string {
	return s.name
}

// Definition returns the JSON schema sent to the backend.
func (s *Schema[T]) Definition() *jsonschema.Definition {
	return s.definition
}

// Decode validates content against the schema and unmarshals it into T.
func (s *Schema[T]) Decode(content string) (T, error) {
	var out T

	var document interface{}
	if err := json.Unmarshal([]byte(content), &document); err != nil {
		return out, fmt.Errorf("parse %s json: %w", s.name, err)
	}
	if err := s.validator.Validate(document); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrSchemaViolation, s.name, err)
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", s.name, err)
	}
	return out, nil
}

// CallerConfig tunes the structured caller.
type CallerConfig struct {
	Temperature float32
	Logger      zerolog.Logger
}

// Caller turns a Completer into schema-validated calls with typed fallbacks.
type Caller struct {
	completer   Completer
	temperature float32
	tracer      trace.Tracer
	logger      zerolog.Logger
}

// NewCaller builds a caller around the provided backend.
func NewCaller(completer Completer, cfg CallerConfig) *Caller {
	return &Caller{
		completer:   completer,
		temperature: cfg.Temperature,
		tracer:      otel.Tracer("github.com/noah-isme/grachalle-go-api/pkg/ai/structured"),
		logger:      cfg.Logger.With().Str("component", "structured_caller").Logger(),
	}
}

// Call sends one structured request and validates the answer against schema.
// It never returns an error value: failures are logged and reported through Result.Err
// while Result.Value carries Default[T]().
func Call[T any](parent context.Context, c *Caller, schema *Schema[T], systemPrompt, userInput string) Result[T] {
	if parent == nil {
		parent = context.Background()
	}
	if c == nil {
		callFailures.WithLabelValues(schema.name, "config").Inc()
		return Result[T]{Value: Default[T](), Err: ErrNoCompleter}
	}

	ctx, span := c.tracer.Start(parent, "ai.structured_call", trace.WithAttributes(
		attribute.String("schema", schema.name),
	))
	defer span.End()

	fail := func(reason string, err error) Result[T] {
		callFailures.WithLabelValues(schema.name, reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error().Err(err).Str("schema", schema.name).Str("reason", reason).Msg("structured call failed, using defaults")
		return Result[T]{Value: Default[T](), Err: err}
	}

	if c.completer == nil {
		return fail("config", ErrNoCompleter)
	}

	start := time.Now()
	content, err := c.completer.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserContent:  userInput,
		SchemaName:   schema.name,
		Schema:       schema.definition,
		Temperature:  c.temperature,
	})
	callDuration.WithLabelValues(schema.name).Observe(time.Since(start).Seconds())
	if err != nil {
		return fail("transport", err)
	}

	value, err := schema.Decode(strings.TrimSpace(content))
	if err != nil {
		return fail("validation", err)
	}

	c.logger.Debug().Str("schema", schema.name).RawJSON("payload", []byte(content)).Msg("structured call succeeded")
	return Result[T]{Value: value}
}

// CallAsync runs Call on its own goroutine and delivers exactly one result.
func CallAsync[T any](ctx context.Context, c *Caller, schema *Schema[T], systemPrompt, userInput string) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		defer close(out)
		out <- Call(ctx, c, schema, systemPrompt, userInput)
	}()
	return out
}

// Default returns the fallback instance of T: `default` struct tags are applied and
// nil slices and maps become empty ones; every other field keeps its zero value.
func Default[T any]() T {
	var out T
	value := reflect.ValueOf(&out).Elem()
	if value.Kind() == reflect.Struct {
		_ = defaults.Set(&out)
	}
	fillEmpty(value)
	return out
}

func fillEmpty(v reflect.Value) {
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() && v.CanSet() {
			v.Set(reflect.MakeSlice(v.Type(), 0, 0))
		}
	case reflect.Map:
		if v.IsNil() && v.CanSet() {
			v.Set(reflect.MakeMap(v.Type()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				fillEmpty(field)
			}
		}
	}
}
