package audit

import (
	"fmt"
	"strings"
	"time"

	"hisadmin.org/internal/apperr"
)

// Action enumerates what an audit event records.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionLoginSuccess Action = "LOGIN_SUCCESS"
	ActionLoginFailed  Action = "LOGIN_FAILED"
	ActionLogout       Action = "LOGOUT"
	ActionGrant        Action = "GRANT"
	ActionRevoke       Action = "REVOKE"
	ActionApprove      Action = "APPROVE"
	ActionReject       Action = "REJECT"
)

var knownActions = map[Action]struct{}{
	ActionCreate: {}, ActionUpdate: {}, ActionDelete: {}, ActionLoginSuccess: {}, ActionLoginFailed: {},
	ActionLogout: {}, ActionGrant: {}, ActionRevoke: {}, ActionApprove: {}, ActionReject: {},
}

// Module names the component that produced the event.
type Module string

const (
	ModuleAuth    Module = "AUTH"
	ModuleAccount Module = "ACCOUNT"
	ModuleRole    Module = "ROLE"
	ModuleSession Module = "SESSION"
)

// Outcome of the recorded action.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

// Entity types referenced by events. References are by id only.
const (
	EntityAccount = "ACCOUNT"
	EntityRole    = "ROLE"
	EntitySession = "SESSION"
)

// Event is one immutable audit record. ID is the authoritative ordering key.
type Event struct {
	ID          int64     `json:"id"`
	OccurredAt  time.Time `json:"occurredAt"`
	ActorID     int64     `json:"actorId"`
	ActorName   string    `json:"actorName"`
	Action      Action    `json:"action"`
	Module      Module    `json:"module"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	IP          string    `json:"ip,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	Description string    `json:"description,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	PrevHash    []byte    `json:"prevHash,omitempty"`
	Hash        []byte    `json:"hash,omitempty"`
}

// Filter is a conjunction; zero-valued fields are left out of the predicate.
type Filter struct {
	Username   string
	Action     Action
	Module     Module
	EntityType string
	EntityID   string
	IP         string
	Outcome    Outcome
	From       *time.Time
	To         *time.Time
}

// Page is one slice of search results, newest first.
type Page struct {
	Items []Event `json:"items"`
	Total int     `json:"total"`
	Page  int     `json:"page"`
	Size  int     `json:"size"`
}

// Stats aggregates events over [Start, End).
type Stats struct {
	Start    *time.Time     `json:"start,omitempty"`
	End      time.Time      `json:"end"`
	Total    int            `json:"total"`
	ByAction map[Action]int `json:"byAction"`
	ByModule map[Module]int `json:"byModule"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

var (
	ErrInvalidFilter = apperr.Define(apperr.ErrValidation, "INVALID_FILTER", "invalid audit filter")
	ErrChainBroken   = apperr.Define(apperr.ErrConflict, "AUDIT_CHAIN_BROKEN", "audit hash chain broken")
)

// Normalize trims the filter and validates enumerations and the time range.
func (f Filter) Normalize() (Filter, error) {
	f.Username = strings.TrimSpace(f.Username)
	f.EntityType = strings.ToUpper(strings.TrimSpace(f.EntityType))
	f.EntityID = strings.TrimSpace(f.EntityID)
	f.IP = strings.TrimSpace(f.IP)
	f.Action = Action(strings.ToUpper(strings.TrimSpace(string(f.Action))))
	f.Module = Module(strings.ToUpper(strings.TrimSpace(string(f.Module))))
	f.Outcome = Outcome(strings.ToUpper(strings.TrimSpace(string(f.Outcome))))
	if f.Action != "" {
		if _, ok := knownActions[f.Action]; !ok {
			return f, ErrInvalidFilter.With("unknown action %q", f.Action)
		}
	}
	if f.Outcome != "" && f.Outcome != OutcomeSuccess && f.Outcome != OutcomeFailed {
		return f, ErrInvalidFilter.With("unknown outcome %q", f.Outcome)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return f, ErrInvalidFilter.With("from is after to")
	}
	return f, nil
}

// Matches reports whether ev satisfies every set field of f.
func (f Filter) Matches(ev Event) bool {
	if f.Username != "" && !strings.EqualFold(f.Username, ev.ActorName) {
		return false
	}
	if f.Action != "" && f.Action != ev.Action {
		return false
	}
	if f.Module != "" && f.Module != ev.Module {
		return false
	}
	if f.EntityType != "" && f.EntityType != ev.EntityType {
		return false
	}
	if f.EntityID != "" && f.EntityID != ev.EntityID {
		return false
	}
	if f.IP != "" && f.IP != ev.IP {
		return false
	}
	if f.Outcome != "" && f.Outcome != ev.Outcome {
		return false
	}
	if f.From != nil && ev.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !ev.OccurredAt.Before(*f.To) {
		return false
	}
	return true
}

// NormalizePage clamps page (1-based) and size.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

func (e Event) validate() error {
	if _, ok := knownActions[e.Action]; !ok {
		return fmt.Errorf("audit: unknown action %q", e.Action)
	}
	if e.Module == "" || e.EntityType == "" {
		return fmt.Errorf("audit: module and entity type are required")
	}
	return nil
}
