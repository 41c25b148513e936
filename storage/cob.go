package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"radicle-node/cob"
	"radicle-node/crypto"
	radgit "radicle-node/git"
)

// CreateEntry writes a new collaborative-object change commit: a tree of
// {manifest, change, signature} blobs, parented on the DAG tips it
// follows (spec §4.4). Unlike original_source/radicle-cob, which also
// threads the resource and author commits in as extra git parents so they
// travel with a fetch automatically, this port keeps Parents limited to
// the change DAG's own tips and relies on the resource/author trailers
// (cob.EncodeTrailers) for the logical link — the resource identity
// commit and author's own refs are fetched independently as ordinary
// namespaced refs, so no extra parent edge is required for reachability.
func (r *Repository) CreateEntry(manifest cob.Manifest, change []byte, resource radgit.Oid, signer crypto.Signer, parents []radgit.Oid) (radgit.Oid, error) {
	payload, err := cob.SignedPayload(manifest, change)
	if err != nil {
		return radgit.Oid{}, err
	}
	sig := signer.Sign(payload)
	author := signer.PublicKey()

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return radgit.Oid{}, fmt.Errorf("storage: encode cob manifest: %w", err)
	}
	manifestOid, err := r.writeBlob(manifestJSON)
	if err != nil {
		return radgit.Oid{}, err
	}
	changeOid, err := r.writeBlob(change)
	if err != nil {
		return radgit.Oid{}, err
	}
	sigOid, err := r.writeBlob(sig.Bytes())
	if err != nil {
		return radgit.Oid{}, err
	}
	treeOid, err := r.writeTree(map[string]radgit.Oid{
		"manifest":  manifestOid,
		"change":    changeOid,
		"signature": sigOid,
	})
	if err != nil {
		return radgit.Oid{}, err
	}

	message := cob.EncodeTrailers(resource, &author)
	return r.writeCommit(treeOid, message, parents)
}

// ReadEntry implements cob.EntryReader: it decodes a change commit back
// into a cob.Entry.
func (r *Repository) ReadEntry(oid radgit.Oid) (*cob.Entry, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(oid.String()))
	if err != nil {
		return nil, fmt.Errorf("storage: load cob commit %s: %w", oid, err)
	}
	resource, author, err := cob.ParseTrailers(commit.Message)
	if err != nil {
		return nil, err
	}
	if author == nil {
		return nil, fmt.Errorf("storage: cob commit %s missing author trailer", oid)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("storage: load cob tree: %w", err)
	}
	manifestContent, err := readTreeBlob(tree, "manifest")
	if err != nil {
		return nil, err
	}
	var manifest cob.Manifest
	if err := json.Unmarshal(manifestContent, &manifest); err != nil {
		return nil, fmt.Errorf("storage: decode cob manifest at %s: %w", oid, err)
	}
	changeContent, err := readTreeBlob(tree, "change")
	if err != nil {
		return nil, err
	}
	sigContent, err := readTreeBlob(tree, "signature")
	if err != nil {
		return nil, err
	}
	sig, err := crypto.ParseSignature(sigContent)
	if err != nil {
		return nil, fmt.Errorf("storage: decode cob signature at %s: %w", oid, err)
	}

	parents := make([]radgit.Oid, len(commit.ParentHashes))
	for i, h := range commit.ParentHashes {
		parents[i], err = radgit.ParseOid(h[:])
		if err != nil {
			return nil, err
		}
	}

	return &cob.Entry{
		ID:        oid,
		Manifest:  manifest,
		Change:    changeContent,
		Author:    *author,
		Resource:  resource,
		Signature: sig,
		Parents:   parents,
	}, nil
}

// CobTips returns one tip Oid per contributor namespace that carries a
// ref for the given collaborative object (spec §4.4: an object's current
// tips are the set of refs/namespaces/<nid>/refs/cobs/<type>/<id> heads
// across every contributor who has published a change to it).
func (r *Repository) CobTips(typeName string, objectID radgit.Oid) ([]radgit.Oid, error) {
	want := "/" + string(radgit.CobRef(typeName, objectID))

	names, err := r.ListRefs("refs/namespaces/")
	if err != nil {
		return nil, err
	}
	var tips []radgit.Oid
	for _, name := range names {
		if !strings.HasSuffix(string(name), want) {
			continue
		}
		oid, ok, err := r.ReadRef(name)
		if err != nil {
			return nil, err
		}
		if ok {
			tips = append(tips, oid)
		}
	}
	if len(tips) == 0 {
		return nil, fmt.Errorf("storage: no tips found for %s object %s", typeName, objectID)
	}
	return tips, nil
}

func readTreeBlob(tree *object.Tree, name string) ([]byte, error) {
	f, err := tree.File(name)
	if err != nil {
		return nil, fmt.Errorf("storage: cob tree missing %q blob: %w", name, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}
