package planner

import (
	"fmt"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/ferr"
	"github.com/sirupsen/logrus"
)

// Plan is the flattened result of synthesizing Actions for every Target
// in a BuildGraph, plus the indices needed to wire scheduler dependency
// edges.
type Plan struct {
	Actions []action.Action
	ByID    map[action.ActionId]*action.Action
	// TargetActions maps a Target's graph index to the ActionIds
	// synthesized for it, so a dependent Target's Actions can declare
	// DependsOn against its dependencies' Actions.
	TargetActions map[int][]action.ActionId
}

// Planner synthesizes a Plan from a frozen BuildGraph using a Registry of
// LanguageHandlers.
type Planner struct {
	registry *Registry
	log      *logrus.Entry
}

// New creates a Planner bound to registry, the language handlers it will
// dispatch to for every Target.
func New(registry *Registry, log *logrus.Entry) *Planner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Planner{registry: registry, log: log.WithField("component", "planner")}
}

// Plan synthesizes Actions for every Target in g, in topological order so
// that a Target's dependencies have already been synthesized (and thus
// have known ActionIds to depend on) by the time the Target itself is
// planned.
func (p *Planner) Plan(ctx BuildContext) (*Plan, error) {
	order, err := ctx.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ByID:          make(map[action.ActionId]*action.Action),
		TargetActions: make(map[int][]action.ActionId, len(order)),
	}

	for _, idx := range order {
		t := ctx.Graph.Target(idx)
		handler, err := p.registry.mustHandler(t.Language)
		if err != nil {
			return nil, ferr.Wrap(ferr.CategoryGraph, "plan_target", err, "planning target %s", t.Name)
		}

		actions, err := handler.Build(ctx, t, idx)
		if err != nil {
			return nil, ferr.Wrap(ferr.CategoryGraph, "build_target", err, "building target %s", t.Name)
		}

		var dependsOn []action.ActionId
		for _, depIdx := range ctx.Graph.Dependencies(idx) {
			dependsOn = append(dependsOn, plan.TargetActions[depIdx]...)
		}

		ids := make([]action.ActionId, 0, len(actions))
		for i := range actions {
			a := actions[i]
			a.DependsOn = append(append([]action.ActionId(nil), a.DependsOn...), dependsOn...)
			a.ID = action.DeriveActionId(a)

			if existing, ok := plan.ByID[a.ID]; ok {
				p.log.WithFields(logrus.Fields{"target": t.Name, "action_id": a.ID}).Debug("synthesized action already planned, reusing")
				ids = append(ids, existing.ID)
				continue
			}

			plan.Actions = append(plan.Actions, a)
			plan.ByID[a.ID] = &plan.Actions[len(plan.Actions)-1]
			ids = append(ids, a.ID)
		}
		plan.TargetActions[idx] = ids

		p.log.WithFields(logrus.Fields{"target": t.Name, "actions": len(ids)}).Debug("planned target")
	}

	if len(plan.Actions) == 0 {
		return plan, nil
	}
	return plan, nil
}

// ActionsFor returns the Actions synthesized for the Target at idx, in the
// order handler.Build produced them.
func (p *Plan) ActionsFor(idx int) []*action.Action {
	ids := p.TargetActions[idx]
	out := make([]*action.Action, 0, len(ids))
	for _, id := range ids {
		if a, ok := p.ByID[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (p *Plan) String() string {
	return fmt.Sprintf("Plan{actions=%d}", len(p.Actions))
}
