package manifest

import (
	"bytes"
	"maps"
	"sort"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// Action is what Apply does with one object.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionUnchanged Action = "unchanged"
	ActionPrune     Action = "prune"
)

// Desired is a manifest entry with its payload resolved.
type Desired struct {
	Kind   model.Kind
	Name   string
	Labels map[string]string
	Data   []byte
}

// Change is one planned action.
type Change struct {
	Kind   model.Kind `json:"kind"`
	Name   string     `json:"name"`
	Action Action     `json:"action"`

	// Reason explains an update, e.g. "payload changed".
	Reason string `json:"reason,omitempty"`

	// ID is the current object's ID for updates and prunes.
	ID string `json:"id,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`
	Data   []byte            `json:"-"`
}

// Plan compares desired objects with the current ones and returns one
// change per desired object, followed by prunes when prune is set.
//
// An object is unchanged when its content-hash label matches the desired
// payload (configs created elsewhere are compared by data instead) and its
// user labels are equal. Only objects carrying the swarm-secrets
// management label are pruned; temporary rollout copies never are.
func Plan(current []model.Object, desired []Desired, prune bool) []Change {
	type key struct {
		kind model.Kind
		name string
	}
	byName := make(map[key]*model.Object, len(current))
	for i := range current {
		o := &current[i]
		byName[key{o.Kind, o.Name}] = o
	}

	changes := make([]Change, 0, len(desired))
	wanted := make(map[key]bool, len(desired))
	for _, d := range desired {
		wanted[key{d.Kind, d.Name}] = true
		labels := docker.UserLabels(d.Labels)
		c := Change{Kind: d.Kind, Name: d.Name, Labels: labels, Data: d.Data}

		obj, ok := byName[key{d.Kind, d.Name}]
		switch {
		case !ok:
			c.Action = ActionCreate
		case !samePayload(obj, d.Data):
			c.Action, c.Reason, c.ID = ActionUpdate, "payload changed", obj.ID
		case !maps.Equal(docker.UserLabels(obj.Labels), labels):
			c.Action, c.Reason, c.ID = ActionUpdate, "labels changed", obj.ID
		default:
			c.Action, c.ID = ActionUnchanged, obj.ID
		}
		changes = append(changes, c)
	}

	if !prune {
		return changes
	}

	var prunes []Change
	for i := range current {
		o := &current[i]
		if wanted[key{o.Kind, o.Name}] || !docker.IsManaged(o.Labels) || docker.IsTemporary(o.Labels) {
			continue
		}
		prunes = append(prunes, Change{Kind: o.Kind, Name: o.Name, Action: ActionPrune, ID: o.ID})
	}
	sort.Slice(prunes, func(i, j int) bool {
		if prunes[i].Kind != prunes[j].Kind {
			return prunes[i].Kind > prunes[j].Kind // secrets first
		}
		return prunes[i].Name < prunes[j].Name
	})
	return append(changes, prunes...)
}

func samePayload(obj *model.Object, data []byte) bool {
	if _, ok := obj.Labels[docker.LabelContentHash]; ok {
		return docker.HashMatches(obj.Labels, data)
	}
	// Secrets without a hash label cannot be compared; their data is
	// never returned by the daemon.
	return obj.Kind == model.KindConfig && bytes.Equal(obj.Data, data)
}

// Summary counts changes per action.
func Summary(changes []Change) map[Action]int {
	out := make(map[Action]int, 4)
	for _, c := range changes {
		out[c.Action]++
	}
	return out
}
