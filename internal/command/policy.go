package command

import (
	"fmt"

	"agentbase/internal/domain"
)

type deleteMode int

const (
	hardDelete deleteMode = iota + 1
	softDelete
)

func (m deleteMode) String() string {
	switch m {
	case hardDelete:
		return "hard"
	case softDelete:
		return "soft"
	default:
		return "unknown"
	}
}

// deletePolicy decides how actor may delete an entity of kind. Tasks are
// removed outright and only humans may remove them; every other kind is
// tombstoned.
func deletePolicy(actor domain.ActorKind, kind domain.EntityKind) (deleteMode, error) {
	switch actor {
	case domain.ActorHuman:
	case domain.ActorAgent:
		if kind == domain.KindTasks {
			return 0, domain.ForbiddenError{Action: "delete tasks", Reason: "Agents cannot delete tasks"}
		}
	default:
		return 0, domain.ForbiddenError{Action: "delete", Reason: fmt.Sprintf("unknown actor kind %q", actor)}
	}
	if kind == domain.KindTasks {
		return hardDelete, nil
	}
	return softDelete, nil
}
