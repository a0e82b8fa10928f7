package scratch

// Summary aggregates a set of merge records.
type Summary struct {
	Total       int   `yaml:"total"`
	Merged      int   `yaml:"merged"`
	Skipped     int   `yaml:"skipped"`
	Overwritten int   `yaml:"overwritten"`
	Failed      int   `yaml:"failed"`
	Bytes       int64 `yaml:"bytes"` // bytes written to the shared directory
}

// Summarize computes aggregate counts. Safe for nil or empty input.
func Summarize(records []MergeRecord) Summary {
	var s Summary
	s.Total = len(records)
	for _, r := range records {
		switch r.Outcome {
		case OutcomeMerged:
			s.Merged++
			s.Bytes += r.Bytes
		case OutcomeOverwritten:
			s.Overwritten++
			s.Bytes += r.Bytes
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeFailed:
			s.Failed++
		}
	}
	return s
}
