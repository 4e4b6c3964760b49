package replay

import (
	"fmt"

	"github.com/davidahmann/qube/core/corridor"
)

type DriftStatus string

const (
	DriftNominal  DriftStatus = "NOMINAL"
	DriftWarning  DriftStatus = "WARNING"
	DriftCritical DriftStatus = "CRITICAL"
)

func (s DriftStatus) rank() int {
	switch s {
	case DriftCritical:
		return 2
	case DriftWarning:
		return 1
	default:
		return 0
	}
}

// Thresholds tier the autonomy index. A value at or above a threshold takes
// that tier.
type Thresholds struct {
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.3, Critical: 0.7}
}

func (t Thresholds) Validate() error {
	if t.Warning < 0 || t.Critical > 1 || t.Warning > t.Critical {
		return fmt.Errorf("drift thresholds must satisfy 0 <= warning <= critical <= 1, got warning=%v critical=%v", t.Warning, t.Critical)
	}
	return nil
}

func (t Thresholds) Classify(autonomyIndex float64) DriftStatus {
	switch {
	case autonomyIndex >= t.Critical:
		return DriftCritical
	case autonomyIndex >= t.Warning:
		return DriftWarning
	default:
		return DriftNominal
	}
}

type AnomalyKind string

const (
	AnomalyDrift              AnomalyKind = "drift"
	AnomalyCorridorTransition AnomalyKind = "corridor_transition"
	AnomalyIntentChange       AnomalyKind = "intent_change"
)

type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	Index     int         `json:"index"`
	RecordID  string      `json:"record_id"`
	Timestamp float64     `json:"timestamp"`
	// Severity is set for drift anomalies.
	Severity DriftStatus `json:"severity,omitempty"`
	From     string      `json:"from,omitempty"`
	To       string      `json:"to,omitempty"`
	Detail   string      `json:"detail"`
}

type Report struct {
	Records   int                 `json:"records"`
	Anomalies []Anomaly           `json:"anomalies"`
	Counts    map[AnomalyKind]int `json:"counts"`
	// Worst is the highest drift tier seen.
	Worst DriftStatus `json:"worst"`
}

// Scan flags drift at or above the warning threshold, corridor changes
// between adjacent records that the graph does not list as an edge, and
// intent digest changes between adjacent records. Anomalies are ordered by
// record index.
func (e *Engine) Scan(graph corridor.Graph, thresholds Thresholds) (Report, error) {
	if graph == nil {
		return Report{}, fmt.Errorf("anomaly scan needs a corridor graph")
	}
	if err := thresholds.Validate(); err != nil {
		return Report{}, err
	}
	report := Report{
		Records:   len(e.records),
		Anomalies: []Anomaly{},
		Counts:    map[AnomalyKind]int{},
		Worst:     DriftNominal,
	}
	add := func(anomaly Anomaly) {
		report.Anomalies = append(report.Anomalies, anomaly)
		report.Counts[anomaly.Kind]++
	}
	for index, record := range e.records {
		if status := thresholds.Classify(record.AutonomyIndex); status != DriftNominal {
			add(Anomaly{
				Kind:      AnomalyDrift,
				Index:     index,
				RecordID:  record.RecordID,
				Timestamp: record.Timestamp,
				Severity:  status,
				Detail:    fmt.Sprintf("autonomy index %.4f", record.AutonomyIndex),
			})
			if status.rank() > report.Worst.rank() {
				report.Worst = status
			}
		}
		if index == 0 {
			continue
		}
		previous := e.records[index-1]
		if detail, ok := checkTransition(graph, previous.Corridor, record.Corridor); !ok {
			add(Anomaly{
				Kind:      AnomalyCorridorTransition,
				Index:     index,
				RecordID:  record.RecordID,
				Timestamp: record.Timestamp,
				From:      previous.Corridor,
				To:        record.Corridor,
				Detail:    detail,
			})
		}
		if previous.IntentDigest != record.IntentDigest {
			add(Anomaly{
				Kind:      AnomalyIntentChange,
				Index:     index,
				RecordID:  record.RecordID,
				Timestamp: record.Timestamp,
				From:      previous.IntentDigest,
				To:        record.IntentDigest,
				Detail:    "intent digest changed",
			})
		}
	}
	return report, nil
}

func checkTransition(graph corridor.Graph, fromText, toText string) (string, bool) {
	if fromText == toText {
		return "", true
	}
	from, err := corridor.Parse(fromText)
	if err != nil {
		return fmt.Sprintf("unparseable source corridor: %v", err), false
	}
	to, err := corridor.Parse(toText)
	if err != nil {
		return fmt.Sprintf("unparseable target corridor: %v", err), false
	}
	if from == to {
		return "", true
	}
	if !corridor.Adjacent(graph, from, to) {
		return "transition is not an edge of the corridor graph", false
	}
	return "", true
}
