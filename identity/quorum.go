package identity

import (
	"errors"

	"radicle-node/crypto"
	"radicle-node/git"
)

// ErrNoQuorum is returned when the retained candidate tips diverge: no
// single commit is reachable from (or equal to) enough delegate
// histories to be the canonical head (spec ยง4.3, ยง8 scenario 6).
var ErrNoQuorum = errors.New("identity: no quorum (divergent history)")

// CommitGraph is the minimal git query surface the quorum algorithm
// needs: merge-base between two commits. storage.Repository implements
// it; identity depends only on this interface to stay independent of the
// concrete git backend.
type CommitGraph interface {
	MergeBase(a, b git.Oid) (git.Oid, error)
}

// CanonicalHead computes the quorum commit for one canonical-ref rule:
// given each delegate's tip for the ref, the deepest commit reachable
// from at least `threshold` of those tips (spec ยง4.3).
//
// Algorithm, verbatim from spec ยง4.3:
//  1. Each delegate tip starts with one vote (itself).
//  2. For each unordered pair of distinct tips (a,b), compute
//     merge_base(a,b); if it equals a or b, credit the ancestor.
//  3. Retain candidates with >= threshold votes. Among retained, the
//     unique longest chain (every pair's merge-base equals one of the
//     pair) is the canonical head; otherwise ErrNoQuorum.
func CanonicalHead(tips map[crypto.PublicKey]git.Oid, threshold int, graph CommitGraph) (git.Oid, error) {
	if len(tips) == 0 {
		return git.Oid{}, ErrNoQuorum
	}

	// Distinct candidate commits to run pairwise merge-base over, but the
	// step-1 self-vote is seeded per delegate tip, not per distinct
	// commit: two delegates sharing a tip (spec §8 scenario 6: A:X, B:X)
	// must contribute two votes to X, not one.
	seen := make(map[git.Oid]bool)
	var candidates []git.Oid
	votes := make(map[git.Oid]int, len(tips))
	for _, oid := range tips {
		votes[oid]++ // step 1: one self-vote per delegate tip
		if !seen[oid] {
			seen[oid] = true
			candidates = append(candidates, oid)
		}
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			mb, err := graph.MergeBase(a, b)
			if err != nil {
				return git.Oid{}, err
			}
			switch mb {
			case a:
				votes[a]++ // a is an ancestor of b: credit the ancestor, a
			case b:
				votes[b]++ // b is an ancestor of a: credit the ancestor, b
			}
		}
	}

	var retained []git.Oid
	for _, c := range candidates {
		if votes[c] >= threshold {
			retained = append(retained, c)
		}
	}
	if len(retained) == 0 {
		return git.Oid{}, ErrNoQuorum
	}
	if len(retained) == 1 {
		return retained[0], nil
	}

	// Verify every pair is in a strict ancestor relation, then pick the
	// maximal (deepest) element.
	descendsFrom := make(map[git.Oid]int, len(retained)) // count of others this commit descends from
	for i := 0; i < len(retained); i++ {
		for j := i + 1; j < len(retained); j++ {
			x, y := retained[i], retained[j]
			mb, err := graph.MergeBase(x, y)
			if err != nil {
				return git.Oid{}, err
			}
			switch mb {
			case x:
				descendsFrom[y]++
			case y:
				descendsFrom[x]++
			default:
				return git.Oid{}, ErrNoQuorum
			}
		}
	}
	for _, c := range retained {
		if descendsFrom[c] == len(retained)-1 {
			return c, nil
		}
	}
	return git.Oid{}, ErrNoQuorum
}
