package model

// FailureKind classifies why a row did not submit.
type FailureKind string

const (
	FailureRowParse   FailureKind = "row_parse"
	FailureSubmission FailureKind = "submission"
)

// Outcome is the result of pushing one row through the pipeline.
type Outcome struct {
	Success  bool
	Kind     FailureKind
	Reason   string
	Attempts int
	Row      RawRecord
}

// Succeeded returns a success outcome for row.
func Succeeded(row RawRecord, attempts int) Outcome {
	return Outcome{Success: true, Attempts: attempts, Row: row}
}

// Failed returns a failure outcome for row.
func Failed(row RawRecord, kind FailureKind, reason string, attempts int) Outcome {
	return Outcome{Kind: kind, Reason: reason, Attempts: attempts, Row: row}
}

// FailureRecord is a failed row kept for export and later re-submission.
type FailureRecord struct {
	Row    RawRecord
	Kind   FailureKind
	Reason string
}

// FailureFromOutcome converts a failed outcome into a FailureRecord.
func FailureFromOutcome(o Outcome) FailureRecord {
	return FailureRecord{Row: o.Row, Kind: o.Kind, Reason: o.Reason}
}
