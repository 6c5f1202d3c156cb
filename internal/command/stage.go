package command

import "fmt"

// Stage is the position of a create-transaction request in its pipeline.
// Stages only move forward.
type Stage int

const (
	StageReceived Stage = iota
	StagePersisted
	StageEvaluated
	StagePublished
	StageReturned
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "RECEIVED"
	case StagePersisted:
		return "PERSISTED"
	case StageEvaluated:
		return "EVALUATED"
	case StagePublished:
		return "PUBLISHED"
	case StageReturned:
		return "RETURNED"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

func (s *Stage) advance(next Stage) error {
	if next <= *s {
		return fmt.Errorf("illegal stage transition %s -> %s", *s, next)
	}
	*s = next
	return nil
}
