package delta

import (
	"fmt"

	"github.com/objtree/objtree/objid"
	"github.com/objtree/objtree/ostreeerr"
	"github.com/objtree/objtree/repo"
)

// Apply replays sb into r (spec §4.5 "Offline application"). FROM must
// already be present locally (or be the zero id); this is the same
// requirement Generate's own reachability diff places on its FROM side.
// A non-empty fallback list fails before any write happens, since this
// module has no network path to fetch the objects it names.
func Apply(r *repo.Repository, sb Superblock, source PartSource, opts ApplyOptions) error {
	if len(sb.Fallbacks) > 0 {
		return ostreeerr.New(ostreeerr.KindDeltaRequiresNetwork, "delta.Apply",
			fmt.Errorf("%d objects require out-of-band fetch", len(sb.Fallbacks)))
	}

	if !sb.From.IsZero() {
		has, err := r.Has(sb.From, objid.TypeCommit)
		if err != nil {
			return err
		}
		if !has {
			return ostreeerr.New(ostreeerr.KindStateConflict, "delta.Apply",
				fmt.Errorf("from commit %s is not present locally", sb.From))
		}
	}

	txn, err := r.NewTransaction()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Abort()
		}
	}()

	if v, ok := sb.Metadata[detachedMetaRelpathKey]; ok {
		if data, ok := v.AsBytes(); ok {
			if err := r.WriteCommitMeta(sb.To, data); err != nil {
				return err
			}
		}
	}

	hasTo, err := r.Has(sb.To, objid.TypeCommit)
	if err != nil {
		return err
	}
	if !hasTo {
		if _, err := r.WriteMetadata(txn, objid.TypeCommit, &sb.To, sb.ToCommitRaw); err != nil {
			return err
		}
	}

	if err := r.MarkCommitPartial(sb.To); err != nil {
		return err
	}

	for i, part := range sb.Parts {
		allLocal := true
		for _, ref := range part.Objects {
			has, err := r.Has(ref.ID, ref.Type)
			if err != nil {
				return err
			}
			if !has {
				allLocal = false
				break
			}
		}
		if allLocal {
			continue
		}

		raw, inline, err := source(i, part)
		if err != nil {
			return ostreeerr.New(ostreeerr.KindNotFound, "delta.Apply", err)
		}

		if !inline && !opts.SkipChecksum {
			if got := objid.Sum256(raw); got != part.Checksum {
				return &ostreeerr.CorruptedObject{Expected: part.Checksum, Got: got}
			}
		}

		body, err := decodePartFile(raw)
		if err != nil {
			return ostreeerr.New(ostreeerr.KindCorruptedObject, "delta.Apply", err)
		}

		if err := executeOps(r, txn, body, part.Objects); err != nil {
			return err
		}
	}

	if err := r.ClearCommitPartial(sb.To); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
