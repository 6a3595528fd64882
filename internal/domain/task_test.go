package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskType(t *testing.T) {
	tests := []struct {
		input   string
		want    TaskType
		wantErr bool
	}{
		{"generate_xml_from_input", TaskGenerateXMLFromInput, false},
		{"generate_voices_from_xml", TaskGenerateVoicesFromXML, false},
		{"Generate_XML_From_Input", "", true},
		{"generate_xml_from_input ", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTaskType(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrValidation)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskCatalogCoversEveryTaskType(t *testing.T) {
	for _, taskType := range TaskTypes() {
		spec, ok := taskType.Spec()
		require.True(t, ok, taskType)
		assert.NotEmpty(t, spec.Processor)
		assert.NotEmpty(t, spec.InputTypes)
		assert.NotEmpty(t, spec.OutputTypes)
	}
	assert.Len(t, taskCatalog, len(TaskTypes()))
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewValidationError("job_id", "must be a valid UUID"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrPublishFailed))
	assert.EqualError(t, err, "dispatch: invalid job_id: must be a valid UUID")

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "job_id", validationErr.Field)

	assert.EqualError(t, NewValidationError("", "empty or truncated body"),
		"invalid job message: empty or truncated body")
}
