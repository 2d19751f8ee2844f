package poll

import "time"

// OLT is an optical line terminal: one SNMP-addressable device, one
// per-device mutual-exclusion lock. The scheduler only reads OLT rows; the
// execution lifecycle maintains the consecutive failure counter.
type OLT struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Host          string `json:"host"`
	SNMPPort      int    `json:"snmp_port"`
	SNMPCommunity string `json:"snmp_community"`
	SNMPVersion   string `json:"snmp_version"`
	Vendor        string `json:"vendor"`
	Model         string `json:"model"`
	Enabled       bool   `json:"enabled"`

	// ConsecutiveFailureCount grows when a job on this OLT exhausts its
	// retries and resets to zero on any success. It is exposed for
	// operators; the core never auto-disables an OLT because of it.
	ConsecutiveFailureCount int `json:"consecutive_failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompositeNode is the in-memory handoff from scheduler to pool: a master
// job, the PENDING execution created for it, the OLT it targets, and the
// ordered chain jobs that run after the master completes. Only the master
// executes immediately; the chain list rides along for the coordinator.
type CompositeNode struct {
	Master    *Job
	Chain     []*Job
	Execution *Execution
	OLT       *OLT

	// ScheduledAt is the tick instant that originated this node.
	ScheduledAt time.Time
}

// Singleton builds a CompositeNode around a single job with no chain,
// the shape chain nodes take when the coordinator resubmits them.
func Singleton(job *Job, ex *Execution, olt *OLT, at time.Time) *CompositeNode {
	return &CompositeNode{Master: job, Execution: ex, OLT: olt, ScheduledAt: at}
}
