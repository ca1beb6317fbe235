package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/patientline/internal/delivery"
	"github.com/user/patientline/internal/retry"
	"github.com/user/patientline/internal/types"
	"github.com/user/patientline/internal/validation"
)

const SavePatientDetailsName = "save_patient_details"

// RecordCreator is the outbound half of the tool, usually *records.Client.
type RecordCreator interface {
	Create(ctx context.Context, rec *validation.PatientRecord) (json.RawMessage, error)
}

// FollowUpNotifier is told when a registration could not be saved.
type FollowUpNotifier interface {
	Notify(f delivery.FollowUp) error
}

// SavePatientDetails validates a collected patient record and submits it to
// the record system.
type SavePatientDetails struct {
	validator *validation.Validator
	records   RecordCreator
	followUp  FollowUpNotifier
}

func NewSavePatientDetails(v *validation.Validator, records RecordCreator, followUp FollowUpNotifier) *SavePatientDetails {
	if v == nil {
		v = validation.Default()
	}
	return &SavePatientDetails{validator: v, records: records, followUp: followUp}
}

func (s *SavePatientDetails) Name() string { return SavePatientDetailsName }
func (s *SavePatientDetails) Description() string {
	return "Save the patient's registration details once every field has been collected and confirmed."
}
func (s *SavePatientDetails) Parameters() json.RawMessage { return validation.Schema }

func (s *SavePatientDetails) Execute(ctx context.Context, inv *types.ToolInvocation) (*types.ToolResult, error) {
	rec, err := validation.DecodePatient(inv.RawArguments)
	if err != nil {
		return validationFailure(err.Error()), nil
	}
	if errs := s.validator.Validate(rec); errs != nil {
		return validationFailure(errs.Error()), nil
	}
	inv.Validated = true

	resp, err := s.records.Create(ctx, rec)
	if err != nil {
		return s.saveFailure(inv, rec, err), nil
	}

	first := strings.TrimSpace(rec.PatientInformation.FirstName)
	return &types.ToolResult{
		Success:    true,
		Disconnect: true,
		Response:   resp,
		Message: fmt.Sprintf("Wonderful! Thank you so much for your patience, %s. I've got everything saved in our system now. "+
			"You're all set for registration. It was really nice talking with you today, have a great rest of your day!", first),
	}, nil
}

func validationFailure(errs string) *types.ToolResult {
	return &types.ToolResult{
		Success:    false,
		Error:      "Validation failed: " + errs,
		Disconnect: false,
		Message:    fmt.Sprintf("I'm sorry, but there are some issues with the information provided: %s. Could you please provide the correct information?", errs),
	}
}

func (s *SavePatientDetails) saveFailure(inv *types.ToolInvocation, rec *validation.PatientRecord, err error) *types.ToolResult {
	name := strings.TrimSpace(rec.PatientInformation.FirstName)
	if name == "" {
		name = "there"
	}
	network := retry.IsNetworkError(err)

	slog.Warn("patient record not saved",
		"session_id", inv.SessionID,
		"call_id", inv.CallID,
		"network", network,
		"error", err,
	)

	if s.followUp != nil {
		f := delivery.FollowUp{
			SessionID:    string(inv.SessionID),
			FirstName:    rec.PatientInformation.FirstName,
			PhoneNumber:  rec.PatientInformation.PhoneNumber,
			NetworkIssue: network,
		}
		if !network {
			f.Reason = err.Error()
		}
		if nerr := s.followUp.Notify(f); nerr != nil && !errors.Is(nerr, context.Canceled) {
			slog.Warn("follow-up notification failed", "session_id", inv.SessionID, "error", nerr)
		}
	}

	if network {
		return &types.ToolResult{
			Success:        false,
			Error:          err.Error(),
			Disconnect:     false,
			IsNetworkError: true,
			Message: fmt.Sprintf("I'm really sorry, %s, but I'm having trouble connecting to our system right now. "+
				"This might be a temporary network issue. We can try again shortly, or I can have someone call you back to complete the registration.", name),
		}
	}
	return &types.ToolResult{
		Success:    false,
		Error:      err.Error(),
		Disconnect: false,
		Message: fmt.Sprintf("I'm really sorry, %s, but I'm having a technical issue saving your information right now. "+
			"We can try again, or I can have someone follow up to complete your registration.", name),
	}
}
