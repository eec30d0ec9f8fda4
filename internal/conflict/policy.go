package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	"offsync/internal/models"
)

// Decision is the outcome of a policy for one conflict. Merged is only set
// for MERGE.
type Decision struct {
	Mode   models.ResolutionMode
	Merged json.RawMessage
}

// Policy picks the resolution for a conflict.
type Policy interface {
	Decide(ctx context.Context, c models.Conflict) (Decision, error)
}

// MergeFunc combines the client and server versions of one entity.
type MergeFunc func(ctx context.Context, client, server json.RawMessage) (json.RawMessage, error)

// FixedPolicy applies the same mode to every conflict.
type FixedPolicy struct {
	Mode models.ResolutionMode
}

func (p FixedPolicy) Decide(_ context.Context, _ models.Conflict) (Decision, error) {
	mode, ok := models.ParseResolutionMode(string(p.Mode))
	if !ok {
		return Decision{}, fmt.Errorf("unknown resolution mode %q", p.Mode)
	}
	if mode == models.ResolutionMerge {
		return Decision{}, fmt.Errorf("merge resolution requires a merge function")
	}
	return Decision{Mode: mode}, nil
}

// MergePolicy settles every conflict with Merge.
type MergePolicy struct {
	Merge MergeFunc
}

func (p MergePolicy) Decide(ctx context.Context, c models.Conflict) (Decision, error) {
	if p.Merge == nil {
		return Decision{}, fmt.Errorf("merge resolution requires a merge function")
	}
	merged, err := p.Merge(ctx, c.ClientVersion, c.ServerVersion)
	if err != nil {
		return Decision{}, fmt.Errorf("merge failed: %w", err)
	}
	if !json.Valid(merged) || string(merged) == "null" {
		return Decision{}, fmt.Errorf("merge produced an invalid record")
	}
	return Decision{Mode: models.ResolutionMerge, Merged: merged}, nil
}

// PolicyFor builds the policy for a configured mode name. MERGE uses
// ShallowMerge.
func PolicyFor(mode string) (Policy, error) {
	m, ok := models.ParseResolutionMode(mode)
	if !ok {
		return nil, fmt.Errorf("unknown resolution mode %q", mode)
	}
	if m == models.ResolutionMerge {
		return MergePolicy{Merge: ShallowMerge}, nil
	}
	return FixedPolicy{Mode: m}, nil
}

// ShallowMerge overlays the client's top-level fields on the server's
// version. A deleted server version yields the client version.
func ShallowMerge(_ context.Context, client, server json.RawMessage) (json.RawMessage, error) {
	var base map[string]json.RawMessage
	if s := string(server); s != "" && s != "null" {
		if err := json.Unmarshal(server, &base); err != nil {
			return nil, fmt.Errorf("server version is not an object: %w", err)
		}
	}
	if base == nil {
		base = make(map[string]json.RawMessage)
	}

	if len(client) > 0 && string(client) != "null" {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(client, &overlay); err != nil {
			return nil, fmt.Errorf("client version is not an object: %w", err)
		}
		for k, v := range overlay {
			base[k] = v
		}
	}
	return json.Marshal(base)
}
