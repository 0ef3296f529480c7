// ABOUTME: The email tool pack: schedule, list, cancel, immediate send, diagnostics.
// ABOUTME: Handlers validate input against the configured accounts before acting.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inboxkit/mailagent/internal/config"
	"github.com/inboxkit/mailagent/internal/mailconn"
	"github.com/inboxkit/mailagent/internal/scheduler"
	"github.com/inboxkit/mailagent/internal/store"
)

// SchedulerAPI is the slice of the scheduler the tool pack needs.
type SchedulerAPI interface {
	Schedule(ctx context.Context, account string, spec scheduler.JobSpec) (*store.ScheduledJob, error)
	List(ctx context.Context, filter scheduler.ListFilter) ([]*store.ScheduledJob, error)
	Cancel(ctx context.Context, id string) (*scheduler.CancelResult, error)
	Overdue(job *store.ScheduledJob) bool
}

// Sender delivers a message immediately.
type Sender interface {
	Submit(ctx context.Context, job *store.ScheduledJob) (string, error)
}

// Diagnoser runs throwaway connection tests.
type Diagnoser interface {
	TestConnection(ctx context.Context, account string, role mailconn.Role) (*mailconn.Diagnostics, error)
}

type emailHandlers struct {
	cfg   *config.Config
	sched SchedulerAPI
	send  Sender
	diag  Diagnoser
}

// RegisterEmailPack registers the email tools on the registry.
func RegisterEmailPack(r *Registry, cfg *config.Config, sched SchedulerAPI, send Sender, diag Diagnoser) error {
	h := &emailHandlers{cfg: cfg, sched: sched, send: send, diag: diag}

	pack := []*Tool{
		{
			Name:        "email_schedule",
			Description: "Schedule an email to be sent at a future time",
			InputSchema: `{"type":"object","properties":{"account":{"type":"string"},"to":{"type":"array","items":{"type":"string"},"minItems":1},"subject":{"type":"string"},"body":{"type":"string"},"send_at":{"type":"string","format":"date-time"},"cc":{"type":"array","items":{"type":"string"}},"bcc":{"type":"array","items":{"type":"string"}},"html":{"type":"boolean"},"in_reply_to":{"type":"string"},"references":{"type":"array","items":{"type":"string"}}},"required":["account","to","subject","body","send_at"]}`,
			Handler:     h.Schedule,
		},
		{
			Name:        "email_scheduled_list",
			Description: "List scheduled emails by account and status",
			InputSchema: `{"type":"object","properties":{"account":{"type":"string"},"status":{"type":"string","enum":["pending","sent","failed","all"]}}}`,
			Handler:     h.List,
		},
		{
			Name:        "email_schedule_cancel",
			Description: "Cancel a pending scheduled email",
			InputSchema: `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
			Handler:     h.Cancel,
		},
		{
			Name:        "email_send",
			Description: "Send an email immediately",
			InputSchema: `{"type":"object","properties":{"account":{"type":"string"},"to":{"type":"array","items":{"type":"string"},"minItems":1},"subject":{"type":"string"},"body":{"type":"string"},"cc":{"type":"array","items":{"type":"string"}},"bcc":{"type":"array","items":{"type":"string"}},"html":{"type":"boolean"},"in_reply_to":{"type":"string"},"references":{"type":"array","items":{"type":"string"}}},"required":["account","to","subject","body"]}`,
			Handler:     h.Send,
		},
		{
			Name:        "email_test_connection",
			Description: "Test the IMAP or SMTP connection of a configured account",
			InputSchema: `{"type":"object","properties":{"account":{"type":"string"},"role":{"type":"string","enum":["retrieval","submission"]}},"required":["account","role"]}`,
			Handler:     h.TestConnection,
		},
	}

	for _, t := range pack {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type messageInput struct {
	Account    string   `json:"account"`
	To         []string `json:"to"`
	Cc         []string `json:"cc"`
	Bcc        []string `json:"bcc"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	HTML       bool     `json:"html"`
	InReplyTo  string   `json:"in_reply_to"`
	References []string `json:"references"`
}

func (h *emailHandlers) validateMessage(in *messageInput) error {
	if h.cfg.Account(in.Account) == nil {
		return fmt.Errorf("unknown account %q", in.Account)
	}
	if len(in.To) == 0 {
		return errors.New("at least one recipient is required")
	}
	if in.Subject == "" {
		return errors.New("subject is required")
	}
	return nil
}

type scheduleInput struct {
	messageInput
	SendAt string `json:"send_at"`
}

type scheduleOutput struct {
	ID          string    `json:"id"`
	SendAt      time.Time `json:"send_at"`
	MirrorSaved bool      `json:"mirror_saved"`
	Status      string    `json:"status"`
}

func (h *emailHandlers) Schedule(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in scheduleInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if err := h.validateMessage(&in.messageInput); err != nil {
		return nil, err
	}

	sendAt, err := time.Parse(time.RFC3339, in.SendAt)
	if err != nil {
		return nil, fmt.Errorf("invalid send_at: %w", err)
	}

	job, err := h.sched.Schedule(ctx, in.Account, scheduler.JobSpec{
		To:         in.To,
		Cc:         in.Cc,
		Bcc:        in.Bcc,
		Subject:    in.Subject,
		Body:       in.Body,
		HTML:       in.HTML,
		InReplyTo:  in.InReplyTo,
		References: in.References,
		SendAt:     sendAt,
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(scheduleOutput{
		ID:          job.ID,
		SendAt:      job.SendAt,
		MirrorSaved: job.Mirror != nil,
		Status:      "scheduled",
	})
}

type listInput struct {
	Account string `json:"account"`
	Status  string `json:"status"`
}

type jobSummary struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	To        []string  `json:"to"`
	Subject   string    `json:"subject"`
	SendAt    time.Time `json:"send_at"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Overdue   bool      `json:"overdue"`
	LastError string    `json:"last_error,omitempty"`
}

type listOutput struct {
	Jobs  []jobSummary `json:"jobs"`
	Count int          `json:"count"`
}

func (h *emailHandlers) List(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in listInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Account != "" && h.cfg.Account(in.Account) == nil {
		return nil, fmt.Errorf("unknown account %q", in.Account)
	}

	filter := scheduler.ListFilter{Account: in.Account}
	switch in.Status {
	case "", "pending":
		filter.Status = store.StatusPending
	case "sent":
		filter.Status = store.StatusSent
	case "failed":
		filter.Status = store.StatusFailed
	case "all":
	default:
		return nil, fmt.Errorf("invalid status %q", in.Status)
	}

	jobs, err := h.sched.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := listOutput{Jobs: make([]jobSummary, 0, len(jobs)), Count: len(jobs)}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, jobSummary{
			ID:        job.ID,
			Account:   job.Account,
			To:        job.To,
			Subject:   job.Subject,
			SendAt:    job.SendAt,
			Status:    string(job.Status),
			Attempts:  job.Attempts,
			Overdue:   h.sched.Overdue(job),
			LastError: job.LastErr,
		})
	}
	return json.Marshal(out)
}

type cancelInput struct {
	ID string `json:"id"`
}

type cancelOutput struct {
	Cancelled     bool `json:"cancelled"`
	MirrorDeleted bool `json:"mirror_deleted"`
}

func (h *emailHandlers) Cancel(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in cancelInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.ID == "" {
		return nil, errors.New("id is required")
	}

	result, err := h.sched.Cancel(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cancelOutput{
		Cancelled:     result.Cancelled,
		MirrorDeleted: result.MirrorDeleted,
	})
}

type sendOutput struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (h *emailHandlers) Send(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in messageInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if err := h.validateMessage(&in); err != nil {
		return nil, err
	}

	// Immediate sends reuse the job shape without touching the durable areas.
	job := &store.ScheduledJob{
		ID:         uuid.New().String(),
		Account:    in.Account,
		To:         in.To,
		Cc:         in.Cc,
		Bcc:        in.Bcc,
		Subject:    in.Subject,
		Body:       in.Body,
		HTML:       in.HTML,
		InReplyTo:  in.InReplyTo,
		References: in.References,
	}

	messageID, err := h.send.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sendOutput{MessageID: messageID, Status: "sent"})
}

type testConnectionInput struct {
	Account string `json:"account"`
	Role    string `json:"role"`
}

type testConnectionOutput struct {
	Success   bool                     `json:"success"`
	LatencyMs int64                    `json:"latency_ms,omitempty"`
	Details   *mailconn.RetrievalStats `json:"details,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

func (h *emailHandlers) TestConnection(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in testConnectionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if h.cfg.Account(in.Account) == nil {
		return nil, fmt.Errorf("unknown account %q", in.Account)
	}

	role := mailconn.Role(in.Role)
	if role != mailconn.RoleRetrieval && role != mailconn.RoleSubmission {
		return nil, fmt.Errorf("invalid role %q", in.Role)
	}

	diag, err := h.diag.TestConnection(ctx, in.Account, role)
	if err != nil {
		// A failed probe is a diagnostic result, not a tool failure.
		return json.Marshal(testConnectionOutput{Success: false, Error: err.Error()})
	}
	return json.Marshal(testConnectionOutput{
		Success:   true,
		LatencyMs: diag.Latency.Milliseconds(),
		Details:   diag.Stats,
	})
}
