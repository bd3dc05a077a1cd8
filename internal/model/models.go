package model

import "time"

// ModUsageRecord is one mod's aggregate usage. EnabledCount never exceeds
// TotalCount; the invariant is enforced at ingestion, records are never
// corrected after the fact.
type ModUsageRecord struct {
	ModID        string `json:"mod"`
	TotalCount   int64  `json:"totalCount"`
	EnabledCount int64  `json:"enabledCount"`
}

// IngestionBatch is one client's report of its installed and enabled mod
// sets. Request-scoped, never persisted. Both lists carry set semantics;
// duplicates are collapsed and order is irrelevant.
type IngestionBatch struct {
	ReportedMods []string `json:"mods"`
	EnabledMods  []string `json:"enabled"`
}

// SortKey selects the counter a leaderboard is ranked by.
type SortKey string

const (
	SortByTotal   SortKey = "total"
	SortByEnabled SortKey = "enabled"
)

// UsageEvent is the payload published to the optional event stream after
// an accepted ingestion.
type UsageEvent struct {
	ReportID     string    `json:"report_id"`
	ReportedMods int       `json:"reported_mods"`
	EnabledMods  int       `json:"enabled_mods"`
	ReceivedAt   time.Time `json:"received_at"`
}
