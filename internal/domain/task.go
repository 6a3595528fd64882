package domain

import "fmt"

// TaskType names a processing task understood by the worker fleet.
type TaskType string

const (
	TaskGenerateXMLFromInput  TaskType = "generate_xml_from_input"
	TaskGenerateVoicesFromXML TaskType = "generate_voices_from_xml"
)

// TaskSpec describes what a task consumes and produces.
type TaskSpec struct {
	Processor   string
	InputTypes  []string
	OutputTypes []string
}

var taskCatalog = map[TaskType]TaskSpec{
	TaskGenerateXMLFromInput: {
		Processor:   "xml_from_input_processor",
		InputTypes:  []string{"ORIGINAL_PDF", "ORIGINAL_PNG", "ORIGINAL_JPG", "ORIGINAL_JPEG"},
		OutputTypes: []string{"MUSIC_XML"},
	},
	TaskGenerateVoicesFromXML: {
		Processor:   "voices_from_xml_processor",
		InputTypes:  []string{"MUSIC_XML"},
		OutputTypes: []string{"VOICE_1", "VOICE_2", "VOICE_3"},
	},
}

// TaskTypes returns the closed set of task types in a stable order.
func TaskTypes() []TaskType {
	return []TaskType{TaskGenerateXMLFromInput, TaskGenerateVoicesFromXML}
}

// Valid reports whether t is part of the closed enumeration.
func (t TaskType) Valid() bool {
	_, ok := taskCatalog[t]
	return ok
}

// Spec returns the catalog entry for t.
func (t TaskType) Spec() (TaskSpec, bool) {
	spec, ok := taskCatalog[t]
	return spec, ok
}

// ParseTaskType converts s to a TaskType, rejecting unknown names.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", NewValidationError("task_type", fmt.Sprintf("unknown task type %q (valid: %v)", s, TaskTypes()))
	}
	return t, nil
}
