package cube

import (
	"fmt"
	"strings"
)

// Stage is the population stage of a cube. Stages only move forward while a cube is resident.
type Stage uint8

const (
	StageEmpty Stage = iota
	StageStructureReferences
	StagePopulated
	StageDecorated
)

const StageCount = int(StageDecorated) + 1

func (s Stage) String() string {
	switch s {
	case StageEmpty:
		return "EMPTY"
	case StageStructureReferences:
		return "STRUCTURE_REFERENCES"
	case StagePopulated:
		return "POPULATED"
	case StageDecorated:
		return "DECORATED"
	default:
		return fmt.Sprintf("STAGE_%d", uint8(s))
	}
}

func (s Stage) Valid() bool { return int(s) < StageCount }

func ParseStage(name string) (Stage, error) {
	for i := 0; i < StageCount; i++ {
		if strings.EqualFold(Stage(i).String(), name) {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Tier records where a cube's data came from.
type Tier uint8

const (
	TierGenerated Tier = iota
	TierPopulated
	TierLoaded
)

func (t Tier) String() string {
	switch t {
	case TierGenerated:
		return "GENERATED"
	case TierPopulated:
		return "POPULATED"
	case TierLoaded:
		return "LOADED"
	default:
		return fmt.Sprintf("TIER_%d", uint8(t))
	}
}

type Channel uint8

const (
	Sky Channel = iota
	Block
)

func (c Channel) String() string {
	if c == Sky {
		return "sky"
	}
	return "block"
}
