package transcript

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/user/patientline/internal/types"
)

type ChipState string

const (
	ChipNone    ChipState = ""
	ChipPending ChipState = "PENDING"
	ChipPass    ChipState = "PASS"
	ChipFail    ChipState = "FAIL"
)

// View is a display-ready projection of one item.
type View struct {
	ID       types.ItemID   `json:"id"`
	Kind     types.ItemKind `json:"kind"`
	Role     types.Role     `json:"role,omitempty"`
	Text     string         `json:"text"`
	Muted    bool           `json:"muted,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Time     string         `json:"time"`
	Chip     ChipState      `json:"chip,omitempty"`
	Category string         `json:"category,omitempty"`
}

// Render projects an item for display. Every kind has a rendering; unknown
// kinds fall back to a labelled placeholder.
func Render(item types.TranscriptItem) View {
	v := View{
		ID:   item.ID,
		Kind: item.Kind,
		Role: item.Role,
		Time: item.CreatedAt.Format("15:04:05"),
	}

	switch item.Kind {
	case types.KindMessage:
		v.Text = item.Title
		// bracketed assistant text is a stage direction, shown muted
		if strings.HasPrefix(item.Title, "[") && strings.HasSuffix(item.Title, "]") {
			v.Muted = true
			v.Text = strings.TrimSuffix(strings.TrimPrefix(item.Title, "["), "]")
		}
		if item.Guardrail != nil {
			v.Chip = Chip(*item.Guardrail)
			v.Category = FormatCategory(item.Guardrail.Category)
		}
	case types.KindBreadcrumb:
		v.Text = item.Title
		if item.Expanded && len(item.Data) > 0 {
			var buf bytes.Buffer
			if err := json.Indent(&buf, item.Data, "", "  "); err == nil {
				v.Detail = buf.String()
			} else {
				v.Detail = string(item.Data)
			}
		}
	default:
		v.Kind = types.KindUnknown
		v.Text = "Unknown item type: " + string(item.Kind)
	}
	return v
}

// Chip derives the guardrail indicator from a verdict.
func Chip(r types.GuardrailResult) ChipState {
	if r.Status == types.GuardrailInProgress {
		return ChipPending
	}
	if r.Category == types.CategoryNone {
		return ChipPass
	}
	return ChipFail
}

// FormatCategory turns OFF_BRAND into "Off Brand".
func FormatCategory(c types.GuardrailCategory) string {
	if c == "" {
		return ""
	}
	words := strings.Split(strings.ToLower(string(c)), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
