package domain

// TimeFormat is RFC3339 with a fixed nanosecond width. Stored timestamps
// must sort lexicographically, which time.RFC3339Nano breaks by trimming
// trailing zeros.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Case statuses. Closure is terminal: nothing transitions out of closed.
const (
	StatusActive  = "active"
	StatusDormant = "dormant"
	StatusClosed  = "closed"
)

// Role identifies the kind of principal acting on a case.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleBuyer  Role = "buyer"
	RoleSystem Role = "system"
)

// ParseRole maps a raw role string onto the closed role set.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAgent, RoleBuyer, RoleSystem:
		return Role(s), true
	}
	return "", false
}

// CloseReason is the whitelist of reasons a case may be closed with.
type CloseReason string

const (
	ClosedSoldToOther      CloseReason = "closed_sold_to_other"
	ClosedPropertyUnlisted CloseReason = "closed_property_unlisted"
	ClosedInactive         CloseReason = "closed_inactive"
)

// Valid reports whether the reason is one of the known enum values.
func (r CloseReason) Valid() bool {
	switch r {
	case ClosedSoldToOther, ClosedPropertyUnlisted, ClosedInactive:
		return true
	}
	return false
}

// CloseReasonTexts maps each reason to the notification body sent to buyers.
var CloseReasonTexts = map[CloseReason]string{
	ClosedSoldToOther:      "The property has been sold to another buyer. Thank you for your interest.",
	ClosedPropertyUnlisted: "The property has been unlisted and the case is now closed.",
	ClosedInactive:         "The case was closed automatically after a long period of inactivity.",
}

// Case is a tracked property-sale negotiation. UpdatedAt doubles as the
// optimistic-concurrency fingerprint, so it is stored with full nanosecond
// precision (TimeFormat).
type Case struct {
	ID            string  `json:"id"`
	AgentID       string  `json:"agent_id"`
	BuyerName     string  `json:"buyer_name"`
	BuyerContact  *string `json:"buyer_contact,omitempty"`
	PropertyID    *string `json:"property_id,omitempty"`
	PropertyTitle string  `json:"property_title"`
	TransactionID *string `json:"transaction_id,omitempty"`
	CurrentStep   int     `json:"current_step"`
	Status        string  `json:"status" enum:"active,dormant,closed"`
	OfferPrice    *int64  `json:"offer_price,omitempty"`
	ClosedAt      *string `json:"closed_at,omitempty" format:"date-time"`
	ClosedReason  *string `json:"closed_reason,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Closed reports whether the case has reached its terminal state.
func (c Case) Closed() bool { return c.Status == StatusClosed }

// CaseEvent is one immutable entry in a case's chained audit trail.
// Step 0 is reserved for system notices that are not domain steps.
// EventHash is empty only for rows written before chaining existed.
type CaseEvent struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"case_id"`
	Seq       int64   `json:"-"`
	Step      int     `json:"step"`
	StepName  string  `json:"step_name"`
	Action    string  `json:"action"`
	Actor     Role    `json:"actor" enum:"agent,buyer,system"`
	Detail    *string `json:"detail,omitempty"`
	EventHash string  `json:"event_hash,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// AuditEntry records who did what, independently of the domain event chain.
// Writes are best-effort and never affect the triggering operation.
type AuditEntry struct {
	ID        int64  `json:"id"`
	CaseID    string `json:"case_id"`
	Action    string `json:"action"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Source    string `json:"source"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// APIKey is a hashed agent credential for non-interactive callers.
type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
