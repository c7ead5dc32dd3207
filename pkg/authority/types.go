package authority

import (
	"time"

	"github.com/digitalruble/settlement-core/pkg/wallet"
)

// OwnerCategory classifies a registered end user.
type OwnerCategory string

const (
	CategoryIndividual OwnerCategory = "individual"
	CategoryLegal      OwnerCategory = "legal"
	CategoryGovernment OwnerCategory = "government"
)

// Owner is a registered end user: a non-digital cash balance plus a wallet
// holding online and (optionally activated) offline digital balances.
type Owner struct {
	ID                string
	Category          OwnerCategory
	NonDigitalBalance int64
	Wallet            *wallet.Wallet
	RegisteredAt      time.Time
}

// IntermediaryStatus is the lifecycle state of a registered intermediary.
type IntermediaryStatus string

const (
	IntermediaryPending   IntermediaryStatus = "PENDING"
	IntermediaryActive    IntermediaryStatus = "ACTIVE"
	IntermediarySuspended IntermediaryStatus = "SUSPENDED"
)

// Intermediary is a commercial bank that holds digital and non-digital
// reserves and exchanges currency with end users on the authority's behalf.
type Intermediary struct {
	ID                string
	Name              string
	RoutingCode       string
	Status            IntermediaryStatus
	NonDigitalReserve int64
	DigitalReserve    int64
	RegisteredAt      time.Time
}

// EmissionState is the lifecycle state of an emission request.
type EmissionState string

const (
	EmissionPending  EmissionState = "PENDING"
	EmissionApproved EmissionState = "APPROVED"
	EmissionRejected EmissionState = "REJECTED"
)

// EmissionRequest is an intermediary's request to have new digital currency
// issued against its non-digital reserves.
type EmissionRequest struct {
	ID             string
	IntermediaryID string
	Amount         int64
	Purpose        string
	State          EmissionState
	CreatedAt      time.Time
	DecidedAt      time.Time
}

// AuditEntry is one record in the authority's audit log: registrations,
// status changes, emission requests and decisions, duplicate and
// post-commit rejections, round timeouts and fatal halts.
type AuditEntry struct {
	At     time.Time
	Kind   string
	Detail string
}
