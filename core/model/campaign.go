package model

import "time"

// CampaignStatus enumerates auto-assign campaign states.
type CampaignStatus string

const (
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
)

func (s CampaignStatus) String() string { return string(s) }

// Campaign completion reasons.
const (
	ReasonExhausted  = "exhausted"   // no pending orders left
	ReasonNoProgress = "no_progress" // a full round without a single success
	ReasonStopped    = "stopped"     // cooperative stop requested
	ReasonStale      = "stale"       // force-completed after the staleness window
	ReasonError      = "error"       // the pending-order query failed
)

// Campaign captures the progress of one long-running auto-assign loop.
// Counters only ever grow; Processed == Successful + Failed. Reason is set
// once the campaign completes and says why the loop ended.
type Campaign struct {
	ID          string
	City        string // empty means all cities
	Status      CampaignStatus
	Reason      string
	Successful  int
	Failed      int
	Processed   int
	TotalTarget int
	StartedAt   time.Time
	LastUpdate  time.Time
}
