// Package codec enforces the job message wire contract shared with the worker fleet.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/softchor/jobdispatch/internal/domain"
)

// paramsRule validates task_params for one task type.
type paramsRule func(c *Codec, params domain.TaskParams) error

// Every task type must have an entry here; task types currently share one params shape.
var paramsRules = map[domain.TaskType]paramsRule{
	domain.TaskGenerateXMLFromInput:  requireInputKey,
	domain.TaskGenerateVoicesFromXML: requireInputKey,
}

// Codec validates, encodes and decodes job messages. Safe for concurrent use.
type Codec struct {
	validate *validator.Validate
}

// New creates a Codec with the job message validation rules registered
func New() *Codec {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	// google/uuid also accepts urn and braced forms, the contract only allows the canonical one
	_ = validate.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != 36 {
			return false
		}
		_, err := uuid.Parse(s)
		return err == nil
	})

	_ = validate.RegisterValidation("tasktype", func(fl validator.FieldLevel) bool {
		return domain.TaskType(fl.Field().String()).Valid()
	})

	return &Codec{validate: validate}
}

// Build constructs a validated JobMessage from caller input.
func (c *Codec) Build(jobID string, taskType domain.TaskType, params domain.TaskParams) (domain.JobMessage, error) {
	msg := domain.JobMessage{
		JobID:      jobID,
		TaskType:   taskType,
		TaskParams: params,
	}

	if err := c.Validate(msg); err != nil {
		return domain.JobMessage{}, err
	}

	return msg, nil
}

// Validate checks msg against the wire contract. Failures are *domain.ValidationError.
func (c *Codec) Validate(msg domain.JobMessage) error {
	if err := c.validate.Var(msg.JobID, "required,jobid"); err != nil {
		return translate("job_id", err)
	}

	if err := c.validate.Var(string(msg.TaskType), "required,tasktype"); err != nil {
		return translate("task_type", err)
	}

	rule, ok := paramsRules[msg.TaskType]
	if !ok {
		return domain.NewValidationError("task_params", fmt.Sprintf("no params rule for task type %q", msg.TaskType))
	}

	return rule(c, msg.TaskParams)
}

// Encode validates msg and serializes it to JSON.
func (c *Codec) Encode(msg domain.JobMessage) ([]byte, error) {
	if err := c.Validate(msg); err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}

	return data, nil
}

// Decode strictly parses a message body. Unknown fields, trailing data and wrong
// types are rejected rather than dropped.
func (c *Codec) Decode(data []byte) (domain.JobMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg domain.JobMessage
	if err := dec.Decode(&msg); err != nil {
		return domain.JobMessage{}, translateDecode(err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return domain.JobMessage{}, domain.NewValidationError("", "unexpected data after job message")
	}

	if err := c.Validate(msg); err != nil {
		return domain.JobMessage{}, err
	}

	return msg, nil
}

func requireInputKey(c *Codec, params domain.TaskParams) error {
	if err := c.validate.Struct(params); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return translate("task_params."+fieldErrs[0].Field(), err)
		}
		return translate("task_params", err)
	}
	return nil
}

// translate converts a validator error into a field-level validation error
func translate(field string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.NewValidationError(field, err.Error())
	}

	switch fieldErrs[0].Tag() {
	case "required":
		return domain.NewValidationError(field, "is required")
	case "jobid":
		return domain.NewValidationError(field, "must be a valid UUID")
	case "tasktype":
		return domain.NewValidationError(field, fmt.Sprintf("must be one of %v", domain.TaskTypes()))
	default:
		return domain.NewValidationError(field, fmt.Sprintf("failed on the '%s' rule", fieldErrs[0].Tag()))
	}
}

func translateDecode(err error) error {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError

	switch {
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "job message"
		}
		return domain.NewValidationError(field, fmt.Sprintf("must be %s, got %s", typeErr.Type, typeErr.Value))
	case errors.As(err, &syntaxErr):
		return domain.NewValidationError("", fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset))
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return domain.NewValidationError("", "empty or truncated body")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		name := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return domain.NewValidationError(name, "unknown field")
	default:
		return domain.NewValidationError("", err.Error())
	}
}
