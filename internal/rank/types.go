package rank

import "time"

// RunStatus is the lifecycle status of a BatchRun.
type RunStatus string

// BatchRun lifecycle: pending -> processing -> {completed | failed}.
const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether no further run transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CheckStatus is the state of a single device-specific sub-check.
type CheckStatus string

const (
	CheckStatusPending    CheckStatus = "pending"
	CheckStatusProcessing CheckStatus = "processing"
	CheckStatusCompleted  CheckStatus = "completed"
	CheckStatusFailed     CheckStatus = "failed"
	CheckStatusSkipped    CheckStatus = "skipped"
)

// Terminal reports whether the sub-check reached a final state.
func (s CheckStatus) Terminal() bool {
	switch s {
	case CheckStatusCompleted, CheckStatusFailed, CheckStatusSkipped:
		return true
	default:
		return false
	}
}

// Device identifies which device a ranking lookup targets.
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// Devices lists the sub-checks every item carries, in processing order.
var Devices = []Device{DeviceDesktop, DeviceMobile}

// ChecksPerItem is the number of sub-checks (and credits) per keyword.
const ChecksPerItem = 2

// RunCounters aggregates per-run progress. Counters are always derived
// from the item rows, never incremented ad hoc, so partial failures and
// retries cannot make them drift.
type RunCounters struct {
	TotalKeywords     int
	ProcessedKeywords int
	SuccessfulChecks  int
	FailedChecks      int
	TotalCreditsUsed  int
}

// BatchRun is one user-initiated "check everything" request.
type BatchRun struct {
	ID             string
	AccountID      string
	IdempotencyKey string
	TargetDomain   string
	Status         RunStatus
	Counters       RunCounters
	ErrorMessage   string
	CreatedAt      time.Time
	ScheduledFor   *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// BatchItem is one keyword within a run, decomposed into two independent
// device sub-checks that share a single retry counter.
type BatchItem struct {
	ID            string
	RunID         string
	KeywordID     string
	SearchTerm    string
	LocationCode  string
	DesktopStatus CheckStatus
	MobileStatus  CheckStatus
	RetryCount    int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CheckStatusFor returns the sub-check status for the given device.
func (i BatchItem) CheckStatusFor(device Device) CheckStatus {
	if device == DeviceMobile {
		return i.MobileStatus
	}
	return i.DesktopStatus
}

// SetCheckStatusFor updates the in-memory sub-check status for the device.
func (i *BatchItem) SetCheckStatusFor(device Device, status CheckStatus) {
	if device == DeviceMobile {
		i.MobileStatus = status
		return
	}
	i.DesktopStatus = status
}

// Resolved reports whether both sub-checks reached a terminal state.
func (i BatchItem) Resolved() bool {
	return i.DesktopStatus.Terminal() && i.MobileStatus.Terminal()
}

// CompletedChecks counts the item's sub-checks that completed successfully.
func (i BatchItem) CompletedChecks() int {
	n := 0
	if i.DesktopStatus == CheckStatusCompleted {
		n++
	}
	if i.MobileStatus == CheckStatusCompleted {
		n++
	}
	return n
}

// FailedChecks counts the item's sub-checks that failed (0, 1, or 2).
func (i BatchItem) FailedChecks() int {
	n := 0
	if i.DesktopStatus == CheckStatusFailed {
		n++
	}
	if i.MobileStatus == CheckStatusFailed {
		n++
	}
	return n
}

// RankCheckResult is an append-only record of one successful check.
type RankCheckResult struct {
	ID           string
	RunID        string
	ItemID       string
	KeywordID    string
	SearchTerm   string
	LocationCode string
	Device       Device
	Found        bool
	Position     *int
	FoundURL     string
	CheckedAt    time.Time
}

// CheckRequest is the ranking provider's input contract.
type CheckRequest struct {
	SearchTerm   string
	LocationCode string
	TargetDomain string
	Device       Device
}

// CheckResult is the ranking provider's output contract.
type CheckResult struct {
	Found    bool
	Position *int
	URL      string
}
