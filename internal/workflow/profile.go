package workflow

import (
	"fmt"
	"strings"
)

type Phase string

const (
	PhaseSelectEntity Phase = "select_entity"
	PhaseScanLoop     Phase = "scan_loop"
	PhaseConfirm      Phase = "confirm"
	PhaseSubmitting   Phase = "submitting"
	PhaseDone         Phase = "done"
	PhaseError        Phase = "error"
)

// Profile parametrizes the controller for one station screen.
type Profile struct {
	Name       string
	EntityNoun string
	Noun       string
	PhotoKind  string
	Verb       string
}

var (
	Dispatch = Profile{
		Name:       "dispatch",
		EntityNoun: "carrier",
		Noun:       "cage",
		PhotoKind:  "Dispatch",
		Verb:       "Dispatched",
	}
	ScanToCage = Profile{
		Name:       "scan-to-cage",
		EntityNoun: "cage",
		Noun:       "parcel",
		PhotoKind:  "Load",
		Verb:       "Loaded",
	}
)

func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Dispatch.Name:
		return Dispatch, nil
	case ScanToCage.Name, "scan_to_cage", "scantocage":
		return ScanToCage, nil
	default:
		return Profile{}, fmt.Errorf("unknown profile %q", name)
	}
}

// Summary is the success message used when the backend returns none.
func (p Profile) Summary(count int, entityName string) string {
	noun := p.Noun
	if count != 1 {
		noun += "s"
	}
	return fmt.Sprintf("%s %d %s for %s.", p.Verb, count, noun, entityName)
}
