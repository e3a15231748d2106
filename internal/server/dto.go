package server

import (
	"trustline/internal/domain"
)

// Request payloads

type CreateCaseRequest struct {
	AgentID       string `json:"agent_id,omitempty" doc:"Owner agent. Only honored for the system credential; agents always own the cases they create."`
	BuyerName     string `json:"buyer_name" maxLength:"100"`
	BuyerContact  string `json:"buyer_contact,omitempty"`
	PropertyID    string `json:"property_id,omitempty"`
	PropertyTitle string `json:"property_title" maxLength:"200"`
	TransactionID string `json:"transaction_id,omitempty"`
	OfferPrice    *int64 `json:"offer_price,omitempty" minimum:"1"`
}

type AdvanceStepRequest struct {
	NewStep    int    `json:"new_step" minimum:"1"`
	Action     string `json:"action" maxLength:"200"`
	Actor      string `json:"actor,omitempty" doc:"Event actor label; defaults to the caller's role."`
	Detail     string `json:"detail,omitempty" maxLength:"500"`
	OfferPrice *int64 `json:"offer_price,omitempty" minimum:"1"`
}

type CloseCaseRequest struct {
	Reason string `json:"reason" enum:"closed_sold_to_other,closed_property_unlisted,closed_inactive"`
}

type DormantSweepRequest struct {
	IdleDays int `json:"idle_days,omitempty" minimum:"1" doc:"Override for the configured dormancy window."`
}

// Response payloads

type CaseDetailResponse struct {
	Case          domain.Case        `json:"case"`
	Events        []domain.CaseEvent `json:"events"`
	ChainOK       bool               `json:"chain_ok"`
	ChainBrokenAt *int               `json:"chain_broken_at,omitempty"`
}

type ListCasesResponse struct {
	Cases  []domain.Case `json:"cases"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type AdvanceStepResponse struct {
	Success       bool   `json:"success"`
	CaseID        string `json:"case_id"`
	OldStep       int    `json:"old_step"`
	NewStep       int    `json:"new_step"`
	PropertyTitle string `json:"property_title"`
	EventHash     string `json:"event_hash"`
}

type ChainReportResponse struct {
	CaseID   string `json:"case_id"`
	OK       bool   `json:"ok"`
	BrokenAt *int   `json:"broken_at,omitempty"`
	Verified int    `json:"verified"`
	Legacy   int    `json:"legacy"`
}

type DormantSweepResponse struct {
	MarkedDormant int `json:"marked_dormant"`
}
