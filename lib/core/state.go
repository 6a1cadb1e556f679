package core

import "fmt"

// Phase is a step of the checkpoint / index resize state machine
type Phase uint8

const (
	PhaseRest Phase = iota
	PhasePrepIndexCheckpoint
	PhaseIndexCheckpoint
	PhasePrepare
	PhaseInProgress
	PhaseWaitPending
	PhaseWaitFlush
	PhasePersistenceCallback
	PhasePrepareGrow
	PhaseInProgressGrow
)

func (p Phase) String() string {
	switch p {
	case PhaseRest:
		return "REST"
	case PhasePrepIndexCheckpoint:
		return "PREP_INDEX_CHECKPOINT"
	case PhaseIndexCheckpoint:
		return "INDEX_CHECKPOINT"
	case PhasePrepare:
		return "PREPARE"
	case PhaseInProgress:
		return "IN_PROGRESS"
	case PhaseWaitPending:
		return "WAIT_PENDING"
	case PhaseWaitFlush:
		return "WAIT_FLUSH"
	case PhasePersistenceCallback:
		return "PERSISTENCE_CALLBACK"
	case PhasePrepareGrow:
		return "PREPARE_GROW"
	case PhaseInProgressGrow:
		return "IN_PROGRESS_GROW"
	default:
		return "UNKNOWN"
	}
}

// SystemState is the global (phase, version) pair. It is stored packed in
// one atomic word so phase and version always change together.
type SystemState struct {
	Phase   Phase
	Version uint32
}

func (s SystemState) word() uint64 {
	return uint64(s.Version)<<8 | uint64(s.Phase)
}

func stateFromWord(w uint64) SystemState {
	return SystemState{Phase: Phase(w & 0xff), Version: uint32(w >> 8)}
}

func (s SystemState) String() string {
	return fmt.Sprintf("%s(v%d)", s.Phase, s.Version)
}
