package identity

import (
	"encoding/json"
	"fmt"
)

// projectPayloadID is the payload key carrying the project's default
// branch name, confirmed against original_source/node/src/identity/doc.rs
// (spec.md only gestures at "refs/heads/<project.defaultBranch>").
const projectPayloadID = "xyz.radicle.project"

type projectPayload struct {
	DefaultBranch string `json:"defaultBranch"`
}

// MigrateV1ToV2 synthesizes a v2 document from a v1 one: a single rule
// `refs/heads/<project.defaultBranch> -> {delegates, threshold}` replaces
// the standalone v1 threshold field (spec ยง4.3).
//
// Open question (spec ยง9 Design Notes): v1 documents carry no explicit
// rule for any ref besides the default branch. This migration therefore
// only ever produces one rule. Repositories relying on v1's implicit
// quorum-over-the-identity-ref for *other* refs have no v1 analogue to
// migrate from, and this function does not attempt to guess one — v2
// documents that need more rules must add them explicitly after
// migration.
func MigrateV1ToV2(v1 *Doc) (*Doc, error) {
	if v1.Version != 1 {
		return nil, fmt.Errorf("identity: MigrateV1ToV2: document is version %d, not 1", v1.Version)
	}
	if err := v1.Validate(); err != nil {
		return nil, fmt.Errorf("identity: MigrateV1ToV2: source document invalid: %w", err)
	}

	raw, ok := v1.Payload[projectPayloadID]
	if !ok {
		return nil, fmt.Errorf("identity: MigrateV1ToV2: payload missing %q, cannot determine default branch", projectPayloadID)
	}
	var proj projectPayload
	if err := json.Unmarshal(raw, &proj); err != nil {
		return nil, fmt.Errorf("identity: MigrateV1ToV2: decode %q payload: %w", projectPayloadID, err)
	}
	if proj.DefaultBranch == "" {
		return nil, fmt.Errorf("identity: MigrateV1ToV2: %q payload has empty defaultBranch", projectPayloadID)
	}

	v2 := &Doc{
		Version:    2,
		Payload:    v1.Payload,
		Delegates:  v1.Delegates,
		Visibility: v1.Visibility,
		CanonicalRefs: map[string]CanonicalRefRule{
			"refs/heads/" + proj.DefaultBranch: {
				Allowed:   "delegates",
				Threshold: v1.Threshold,
			},
		},
	}
	if err := v2.Validate(); err != nil {
		return nil, fmt.Errorf("identity: MigrateV1ToV2: migrated document invalid: %w", err)
	}
	return v2, nil
}
