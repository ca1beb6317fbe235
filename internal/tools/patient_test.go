package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/patientline/internal/delivery"
	"github.com/user/patientline/internal/records"
	"github.com/user/patientline/internal/types"
	"github.com/user/patientline/internal/validation"
)

type fakeRecords struct {
	resp  json.RawMessage
	err   error
	calls int
}

func (f *fakeRecords) Create(ctx context.Context, rec *validation.PatientRecord) (json.RawMessage, error) {
	f.calls++
	return f.resp, f.err
}

type fakeFollowUp struct {
	sent []delivery.FollowUp
}

func (f *fakeFollowUp) Notify(fu delivery.FollowUp) error {
	f.sent = append(f.sent, fu)
	return nil
}

func testValidator(t *testing.T) *validation.Validator {
	t.Helper()
	v, err := validation.New(validation.Options{Now: func() time.Time {
		return time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	}})
	require.NoError(t, err)
	return v
}

func patientArgs(t *testing.T, mutate func(*validation.PatientRecord)) json.RawMessage {
	t.Helper()
	rec := &validation.PatientRecord{
		PatientInformation: validation.PatientInformation{
			FirstName:     "Ada",
			LastName:      "Smith",
			DateOfBirth:   "07/04/1976",
			SSN:           "123456789",
			EmailID:       "ada@example.com",
			MaritalStatus: "Married",
			PhoneNumber:   "5551234567",
		},
		Address: validation.Address{
			Type:         "Home",
			AddressLine1: "1 Main St",
			City:         "Springfield",
			State:        "IL",
			Country:      "US",
			ZipCode:      "62704",
		},
	}
	if mutate != nil {
		mutate(rec)
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	return raw
}

func run(t *testing.T, tool *SavePatientDetails, args json.RawMessage) (*types.ToolResult, *types.ToolInvocation) {
	t.Helper()
	inv := &types.ToolInvocation{SessionID: "s-1", CallID: "call_1", Name: SavePatientDetailsName, RawArguments: args}
	res, err := tool.Execute(context.Background(), inv)
	require.NoError(t, err)
	return res, inv
}

func TestSavePatientDetailsSuccess(t *testing.T) {
	recs := &fakeRecords{resp: json.RawMessage(`{"patientId":"P-9"}`)}
	followUp := &fakeFollowUp{}
	tool := NewSavePatientDetails(testValidator(t), recs, followUp)

	res, inv := run(t, tool, patientArgs(t, nil))

	assert.True(t, res.Success)
	assert.True(t, res.Disconnect)
	assert.True(t, inv.Validated)
	assert.Contains(t, res.Message, "Thank you so much for your patience, Ada.")
	assert.JSONEq(t, `{"patientId":"P-9"}`, string(res.Response))
	assert.Empty(t, followUp.sent)
}

func TestSavePatientDetailsValidationFailure(t *testing.T) {
	recs := &fakeRecords{}
	tool := NewSavePatientDetails(testValidator(t), recs, nil)

	res, inv := run(t, tool, patientArgs(t, func(r *validation.PatientRecord) {
		r.PatientInformation.SSN = "12-34-5678"
	}))

	assert.False(t, res.Success)
	assert.False(t, res.Disconnect)
	assert.False(t, res.IsNetworkError)
	assert.False(t, inv.Validated)
	assert.Equal(t, 0, recs.calls, "invalid payload must not leave the service")
	assert.Equal(t, "Validation failed: ssn: SSN must be XXX-XX-XXXX or XXXXXXXXX.", res.Error)
	assert.Contains(t, res.Message, "there are some issues with the information provided: ssn:")
}

func TestSavePatientDetailsMalformedPayload(t *testing.T) {
	recs := &fakeRecords{}
	res, _ := run(t, NewSavePatientDetails(testValidator(t), recs, nil), json.RawMessage(`{"PatientInformation":{}}`))

	assert.False(t, res.Success)
	assert.Equal(t, 0, recs.calls)
	assert.Contains(t, res.Error, "Validation failed")
}

func TestSavePatientDetailsNetworkFailure(t *testing.T) {
	recs := &fakeRecords{err: fmt.Errorf("post record: %w", syscall.ECONNREFUSED)}
	followUp := &fakeFollowUp{}
	tool := NewSavePatientDetails(testValidator(t), recs, followUp)

	res, _ := run(t, tool, patientArgs(t, nil))

	assert.False(t, res.Success)
	assert.False(t, res.Disconnect)
	assert.True(t, res.IsNetworkError)
	assert.Contains(t, res.Message, "I'm really sorry, Ada, but I'm having trouble connecting")
	require.Len(t, followUp.sent, 1)
	assert.True(t, followUp.sent[0].NetworkIssue)
	assert.Equal(t, "5551234567", followUp.sent[0].PhoneNumber)
	assert.Equal(t, "s-1", followUp.sent[0].SessionID)
}

func TestSavePatientDetailsApplicationFailure(t *testing.T) {
	recs := &fakeRecords{err: &records.StatusError{StatusCode: 422, Body: "duplicate patient"}}
	followUp := &fakeFollowUp{}
	tool := NewSavePatientDetails(testValidator(t), recs, followUp)

	res, _ := run(t, tool, patientArgs(t, nil))

	assert.False(t, res.Success)
	assert.False(t, res.IsNetworkError)
	assert.False(t, res.Disconnect)
	assert.Equal(t, "API responded with 422: duplicate patient", res.Error)
	assert.Contains(t, res.Message, "having a technical issue saving your information")
	require.Len(t, followUp.sent, 1)
	assert.Equal(t, "API responded with 422: duplicate patient", followUp.sent[0].Reason)
}
