package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	defaultZipPattern   = `^\d{5}(-\d{4})?$`
	defaultStatePattern = `^(?:A[LKZR]|C[AOT]|D[EC]|FL|GA|HI|I[ADLN]|K[SY]|LA|M[EDAINSOT]|N[CDEHJMVY]|O[HKR]|P[ARW]|RI|S[CD]|T[NX]|UT|V[AIT]|W[AIVY])$`
	maxAgeYears         = 100
)

var (
	namePattern  = regexp.MustCompile(`^[A-Za-z .'-]{2,50}$`)
	emailPattern = regexp.MustCompile(`^[\w.-]+@[\w-]+(\.[\w-]+)*\.[A-Za-z]{2,}$`)
	ssnPattern   = regexp.MustCompile(`^(\d{3}-\d{2}-\d{4}|\d{9})$`)

	dobLayouts = []string{"01/02/2006", "2006-01-02"}
)

// FieldError is one rejected field, addressed by its flat path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Path + ": " + e.Message
}

// Errors is the full list of problems found in one record.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return strings.Join(parts, ", ")
}

// Validator checks decoded records. Zip and state patterns are configurable;
// Now anchors the date-of-birth window.
type Validator struct {
	zip   *regexp.Regexp
	state *regexp.Regexp
	now   func() time.Time
}

type Options struct {
	ZipPattern   string
	StatePattern string
	Now          func() time.Time
}

func New(opts Options) (*Validator, error) {
	if opts.ZipPattern == "" {
		opts.ZipPattern = defaultZipPattern
	}
	if opts.StatePattern == "" {
		opts.StatePattern = defaultStatePattern
	}
	zip, err := regexp.Compile(opts.ZipPattern)
	if err != nil {
		return nil, fmt.Errorf("compile zip pattern: %w", err)
	}
	state, err := regexp.Compile(opts.StatePattern)
	if err != nil {
		return nil, fmt.Errorf("compile state pattern: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{zip: zip, state: state, now: now}, nil
}

// Default returns a validator with US zip and state rules.
func Default() *Validator {
	v, _ := New(Options{})
	return v
}

// Validate returns nil when rec passes every rule.
func (v *Validator) Validate(rec *PatientRecord) Errors {
	var errs Errors
	add := func(path, msg string) {
		errs = append(errs, FieldError{Path: path, Message: msg})
	}

	info := rec.PatientInformation
	if !namePattern.MatchString(info.FirstName) {
		add("firstName", "First name must be 2-50 letters, spaces, hyphens, apostrophes, or periods.")
	}
	if !namePattern.MatchString(info.LastName) {
		add("lastName", "Last name must be 2-50 letters, spaces, hyphens, apostrophes, or periods.")
	}
	if strings.TrimSpace(info.PhoneNumber) == "" {
		add("phone", "Phone number is required.")
	}
	if !emailPattern.MatchString(info.EmailID) {
		add("email", "Invalid email address.")
	}
	if !ssnPattern.MatchString(info.SSN) {
		add("ssn", "SSN must be XXX-XX-XXXX or XXXXXXXXX.")
	}
	if msg := v.checkDOB(info.DateOfBirth); msg != "" {
		add("dob", msg)
	}

	addr := rec.Address
	if !v.zip.MatchString(addr.ZipCode) {
		add("zip", "ZIP code must be XXXXX or XXXXX-XXXX.")
	}
	if !v.state.MatchString(addr.State) {
		add("state", "State must be a valid two-letter code.")
	}
	if len(strings.TrimSpace(addr.Country)) < 2 {
		add("country", "Country is required.")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (v *Validator) checkDOB(s string) string {
	var dob time.Time
	var err error
	for _, layout := range dobLayouts {
		if dob, err = time.Parse(layout, s); err == nil {
			break
		}
	}
	if err != nil {
		return "Date of birth must be a valid MM/DD/YYYY date."
	}

	now := v.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if dob.After(today) {
		return "Date of birth cannot be in the future."
	}
	if dob.Before(today.AddDate(-maxAgeYears, 0, 0)) {
		return "Date of birth must be within the last 100 years."
	}
	return ""
}
