// Package ingest turns external triggers (HTTP payloads, dropped files and
// realtime strategy events) into validated commands.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/domain"
)

// Handler receives every accepted command. It must not block for the
// duration of an execution.
type Handler func(ctx context.Context, cmd domain.Command)

// TriggerPayload is an account-level trigger
type TriggerPayload struct {
	AccountID string `json:"account_id" validate:"required,uppercase,alphanum"`
	Exec      string `json:"exec" validate:"omitempty,oneof=rebalance print-rebalance"`
	Source    string `json:"source" validate:"omitempty,max=128"`
	Timestamp string `json:"timestamp" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// StrategyPayload is a strategy-level event. The strategy comes from the
// channel or route it arrived on.
type StrategyPayload struct {
	Exec      string `json:"exec" validate:"required,oneof=rebalance print-rebalance"`
	Source    string `json:"source" validate:"omitempty,max=128"`
	Timestamp string `json:"timestamp" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// Parser validates payloads and normalizes them into commands
type Parser struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewParser creates a payload parser
func NewParser() *Parser {
	return &Parser{validate: config.NewValidator(), now: time.Now}
}

// ParseTrigger decodes and validates an account trigger
func (p *Parser) ParseTrigger(data []byte, source string) (domain.Command, error) {
	var payload TriggerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.Command{}, domain.NewValidationError("payload", fmt.Sprintf("invalid JSON: %v", err))
	}
	return p.TriggerCommand(payload, source)
}

// TriggerCommand validates an already decoded account trigger
func (p *Parser) TriggerCommand(payload TriggerPayload, source string) (domain.Command, error) {
	payload.AccountID = strings.TrimSpace(payload.AccountID)
	payload.Exec = normalizeExec(payload.Exec)
	payload.Timestamp = strings.TrimSpace(payload.Timestamp)
	if payload.Exec == "" {
		payload.Exec = string(domain.ExecPrintRebalance)
	}

	if err := p.validate.Struct(payload); err != nil {
		return domain.Command{}, validationError(err)
	}

	return domain.Command{
		AccountID:  payload.AccountID,
		ExecKind:   domain.ExecKind(payload.Exec),
		Source:     pickSource(payload.Source, source),
		ReceivedAt: p.receivedAt(payload.Timestamp),
	}, nil
}

// ParseStrategyEvent decodes and validates a strategy event
func (p *Parser) ParseStrategyEvent(strategy string, data []byte, source string) (domain.Command, error) {
	var payload StrategyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.Command{}, domain.NewValidationError("payload", fmt.Sprintf("invalid JSON: %v", err))
	}
	return p.StrategyCommand(strategy, payload, source)
}

// StrategyCommand validates an already decoded strategy event
func (p *Parser) StrategyCommand(strategy string, payload StrategyPayload, source string) (domain.Command, error) {
	strategy = strings.TrimSpace(strategy)
	if strategy == "" {
		return domain.Command{}, domain.NewValidationError("strategy_name", "is required")
	}
	payload.Exec = normalizeExec(payload.Exec)
	payload.Timestamp = strings.TrimSpace(payload.Timestamp)

	if err := p.validate.Struct(payload); err != nil {
		return domain.Command{}, validationError(err)
	}

	return domain.Command{
		StrategyName: strategy,
		ExecKind:     domain.ExecKind(payload.Exec),
		Source:       pickSource(payload.Source, source),
		ReceivedAt:   p.receivedAt(payload.Timestamp),
	}, nil
}

func (p *Parser) receivedAt(ts string) time.Time {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t.UTC()
		}
	}
	return p.now().UTC()
}

func normalizeExec(exec string) string {
	exec = strings.ToLower(strings.TrimSpace(exec))
	// Older producers send the underscore form
	return strings.ReplaceAll(exec, "_", "-")
}

func pickSource(payloadSource, fallback string) string {
	if s := strings.TrimSpace(payloadSource); s != "" {
		return s
	}
	return fallback
}

// validationError converts the first field failure into a domain error
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.NewValidationError("payload", err.Error())
	}
	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "oneof":
		msg = fmt.Sprintf("must be one of: %s", fe.Param())
	case "uppercase", "alphanum":
		msg = "must contain only uppercase letters and digits"
	case "datetime":
		msg = "must be an RFC 3339 timestamp"
	default:
		msg = fmt.Sprintf("failed %s validation", fe.Tag())
	}
	return domain.NewValidationError(fe.Field(), msg)
}
