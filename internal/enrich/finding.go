// Package enrich is the background maintenance pipeline: a pure pre-scan for
// structural damage, parallel crawler sub-agents over partitioned subtrees,
// and a resolver sub-agent that executes the safe repairs — all isolated on
// a maintenance branch that merges back only when the diff sets stay
// disjoint from concurrent conversation commits.
package enrich

import "fmt"

// Severity grades a finding.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// Finding kinds produced by the pre-scan.
const (
	KindBrokenLink      = "broken_link"
	KindOrphanNode      = "orphan_node"
	KindBrokenParent    = "broken_parent"
	KindExpiredTemporal = "expired_temporal"
	KindNearDuplicate   = "near_duplicate"
)

// Finding is one structured observation from the pre-scan or a crawler.
// The resolver decides which findings translate into graph mutations.
type Finding struct {
	// ID is PRE-NNN for pre-scan findings, CRAWL-NNN for crawler findings.
	ID string `json:"id"`

	// Kind names the problem class.
	Kind string `json:"kind"`

	Severity    Severity `json:"severity"`
	Description string   `json:"description"`

	// NodeIDs and LinkIDs anchor the finding in the graph.
	NodeIDs []string `json:"nodeIds,omitempty"`
	LinkIDs []string `json:"linkIds,omitempty"`

	// SuggestedAction is a human-readable repair proposal.
	SuggestedAction string `json:"suggestedAction"`
}

// preID formats the NNN-numbered pre-scan finding id.
func preID(n int) string { return fmt.Sprintf("PRE-%03d", n) }

// crawlID formats the NNN-numbered crawler finding id.
func crawlID(n int) string { return fmt.Sprintf("CRAWL-%03d", n) }
