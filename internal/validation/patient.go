// Package validation decides whether a patient record may leave the service.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type PatientInformation struct {
	FirstName     string `json:"FirstName"`
	LastName      string `json:"LastName"`
	DateOfBirth   string `json:"DateOfBirth"`
	SSN           string `json:"SSN"`
	EmailID       string `json:"EmailID"`
	MaritalStatus string `json:"MaritalStatus"`
	PhoneNumber   string `json:"PhoneNumber"`
}

type Address struct {
	Type         string `json:"Type"`
	AddressLine1 string `json:"AddressLine1"`
	City         string `json:"City"`
	State        string `json:"State"`
	Country      string `json:"Country"`
	ZipCode      string `json:"ZipCode"`
}

// PatientRecord is the payload of the save_patient_details tool and the body
// posted to the record system.
type PatientRecord struct {
	PatientInformation PatientInformation `json:"PatientInformation"`
	Address            Address            `json:"Address"`
}

// Schema is the JSON schema advertised to the model for PatientRecord.
var Schema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "PatientInformation": {
      "type": "object",
      "properties": {
        "FirstName": {"type": "string"},
        "LastName": {"type": "string"},
        "DateOfBirth": {"type": "string", "description": "Date of birth as MM/DD/YYYY"},
        "SSN": {"type": "string"},
        "EmailID": {"type": "string"},
        "MaritalStatus": {"type": "string"},
        "PhoneNumber": {"type": "string"}
      },
      "required": ["FirstName", "LastName", "DateOfBirth", "SSN", "EmailID", "MaritalStatus", "PhoneNumber"],
      "additionalProperties": false
    },
    "Address": {
      "type": "object",
      "properties": {
        "Type": {"type": "string"},
        "AddressLine1": {"type": "string"},
        "City": {"type": "string"},
        "State": {"type": "string"},
        "Country": {"type": "string"},
        "ZipCode": {"type": "string"}
      },
      "required": ["Type", "AddressLine1", "City", "State", "Country", "ZipCode"],
      "additionalProperties": false
    }
  },
  "required": ["PatientInformation", "Address"],
  "additionalProperties": false
}`)

// ErrMalformed marks payloads that do not match the record shape at all.
var ErrMalformed = errors.New("malformed patient record")

var patientSchema = mustCompile("patient.json", Schema)

func mustCompile(loc string, doc json.RawMessage) *jsonschema.Schema {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", loc, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, v); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", loc, err))
	}
	return c.MustCompile(loc)
}

// DecodePatient checks raw against Schema and decodes it into a
// PatientRecord. Unknown properties and missing required properties are
// rejected; field formats are left to Validator.
func DecodePatient(raw []byte) (*PatientRecord, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := patientSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var rec PatientRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &rec, nil
}
