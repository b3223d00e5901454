// Package models defines the data model shared by every stage of the
// detect -> group -> explain -> rank -> learn pipeline. Types here are
// deliberately plain structs: the contract lives in the invariants
// documented alongside each type, not in behavior.
package models

import "time"

// MetricPoint is a single observation on a (service, metric) time series.
type MetricPoint struct {
	TS      time.Time
	Service string
	Metric  string
	Value   float64
	Tags    map[string]string
}

// LogEntry is a single log line ingested for a service.
type LogEntry struct {
	TS      time.Time
	Service string
	Level   string
	Event   string
	Message string
	Fields  map[string]string
	TraceID string
}

// ChangeKind enumerates the kinds of tracked change events.
type ChangeKind string

const (
	ChangeDeployment ChangeKind = "DEPLOYMENT"
	ChangeConfig     ChangeKind = "CONFIG"
	ChangeFlag       ChangeKind = "FLAG"
)

// ChangeEvent is a row from the timestamped change catalog: a deployment,
// a config change, or a feature-flag flip. Service is nullable for FLAG
// rows that are not service-scoped.
type ChangeEvent struct {
	Kind        ChangeKind
	ID          string
	TS          time.Time
	Service     string // empty means NULL / global
	CommitSHA   string
	Version     string
	Author      string
	DiffSummary string
	ConfigKey   string
	FlagName    string
	OldState    string
	NewState    string
}

// IncidentStatus is the external lifecycle state of an Incident.
type IncidentStatus string

const (
	IncidentOpen   IncidentStatus = "OPEN"
	IncidentClosed IncidentStatus = "CLOSED"
)

// Anomaly is a detected run of bad-direction deviations for one
// (service, metric) pair.
type Anomaly struct {
	ID        string
	Service   string
	Metric    string
	StartTS   time.Time
	EndTS     time.Time
	Score     float64
	Detector  string
	ZScore    float64
	Incidented bool // whether already linked to an incident
}

// Incident is a temporal grouping of one or more Anomalies.
type Incident struct {
	ID      string
	StartTS time.Time
	EndTS   time.Time
	Title   string
	Status  IncidentStatus
	Summary string
}

// SuspectType enumerates the kinds of root-cause candidate.
type SuspectType string

const (
	SuspectDeployment SuspectType = "DEPLOYMENT"
	SuspectConfig     SuspectType = "CONFIG"
	SuspectFlag       SuspectType = "FLAG"
	SuspectService    SuspectType = "SERVICE"
)

// Candidate is a root-cause candidate derived for an incident, before
// feature extraction and ranking.
type Candidate struct {
	SuspectType SuspectType
	SuspectKey  string
	TS          time.Time
	Service     string
	Change      *ChangeEvent // nil for SERVICE fallback candidates
	Metadata    map[string]string
}

// FeatureNames is the contractual, ordered feature-name list shared by the
// extractor, both ranker modes, and the trainer (SPEC_FULL §4.4, I4/P3).
// The order here is load-bearing: changing it invalidates every persisted
// model artifact.
var FeatureNames = []string{
	"minutes_before_incident",
	"is_before_incident",
	"time_proximity_score",
	"metric_delta_count",
	"max_metric_delta",
	"avg_metric_delta",
	"error_log_delta",
	"new_error_signature",
	"diff_length",
	"diff_keyword_hit",
	"diff_keyword_count",
	"service_incident_rate_30d",
}

// Evidence is the ordered feature vector for one candidate. Len(Values)
// always equals len(FeatureNames); Values[i] is the value of FeatureNames[i].
type Evidence struct {
	Values []float64
}

// Get returns the value for a named feature, or 0 if unknown.
func (e Evidence) Get(name string) float64 {
	for i, n := range FeatureNames {
		if n == name {
			if i < len(e.Values) {
				return e.Values[i]
			}
			return 0
		}
	}
	return 0
}

// AsMap renders the evidence as a name->value map for persistence/inspection.
func (e Evidence) AsMap() map[string]float64 {
	out := make(map[string]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		if i < len(e.Values) {
			out[name] = e.Values[i]
		}
	}
	return out
}

// Suspect is a Candidate after feature extraction and ranking.
type Suspect struct {
	ID          string
	IncidentID  string
	SuspectType SuspectType
	SuspectKey  string
	Rank        int
	Score       float64
	Evidence    Evidence
}

// Label is a human judgement on a persisted Suspect.
type Label struct {
	ID         string
	IncidentID string
	SuspectID  string
	Label      int // 0 or 1
	Labeler    string
	Notes      string
	CreatedAt  time.Time
}

// ModelArtifact is the serialized learned ranker: one weight per feature
// in Weights, a separate Bias term, and the feature-name order it was
// trained against.
type ModelArtifact struct {
	Version      string
	FeatureNames []string
	Weights      []float64 // len == len(FeatureNames)
	Bias         float64
}
