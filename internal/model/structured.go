package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidate = validator.New()

// StructuredData is the validated tree extracted from a handwritten
// medical document. All eight top-level keys are mandatory; arrays may
// be empty but must be present in the source JSON.
type StructuredData struct {
	Patient       Patient        `json:"patient" validate:"required"`
	Date          string         `json:"date" validate:"required"`
	Prescriptions []Prescription `json:"prescriptions" validate:"dive"`
	Diagnoses     []Diagnosis    `json:"diagnoses" validate:"dive"`
	Observations  []string       `json:"observations"`
	Tests         []TestResult   `json:"tests" validate:"dive"`
	Instructions  string         `json:"instructions" validate:"required"`
	Doctor        Doctor         `json:"doctor" validate:"required"`
}

type Patient struct {
	Name   string `json:"name" validate:"required"`
	Age    int    `json:"age" validate:"gte=0"`
	Gender string `json:"gender" validate:"required"`
}

type Prescription struct {
	DrugName  string `json:"drug_name" validate:"required"`
	Dosage    string `json:"dosage" validate:"required"`
	Route     string `json:"route" validate:"required"`
	Frequency string `json:"frequency" validate:"required"`
	Duration  string `json:"duration" validate:"required"`
	Notes     string `json:"notes,omitempty"`
}

type Diagnosis struct {
	Condition string `json:"condition" validate:"required"`
	Notes     string `json:"notes,omitempty"`
}

type TestResult struct {
	TestName    string `json:"test_name" validate:"required"`
	Result      string `json:"result,omitempty"`
	NormalRange string `json:"normal_range,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type Doctor struct {
	Name      string `json:"name" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// Validate re-checks the structural contract independently of whatever the
// external API promised. A nil slice means the key was absent from the
// response JSON; an empty array decodes to a non-nil empty slice.
func (d *StructuredData) Validate() error {
	if d.Prescriptions == nil {
		return fmt.Errorf("missing required array: prescriptions")
	}
	if d.Diagnoses == nil {
		return fmt.Errorf("missing required array: diagnoses")
	}
	if d.Observations == nil {
		return fmt.Errorf("missing required array: observations")
	}
	if d.Tests == nil {
		return fmt.Errorf("missing required array: tests")
	}
	if err := structValidate.Struct(d); err != nil {
		return fmt.Errorf("structured data validation failed: %w", err)
	}
	return nil
}
