package rebac

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/kernel"
)

// subjectsWithRelation returns every (subject_type, subject_id) that holds
// relation on (objectType, objectID) within zoneID.
func (e *Engine) subjectsWithRelation(ctx context.Context, zid uuid.UUID, zoneID, objectType, objectID, relation string) ([]string, error) {
	rows, err := e.rs.Query(ctx, zid,
		`SELECT subject_type, subject_id FROM rebac_tuples
		 WHERE zone_id = ? AND object_type = ? AND object_id = ? AND relation = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		zoneID, objectType, objectID, relation, time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subjType, subjID string
		if err := rows.Scan(&subjType, &subjID); err != nil {
			return nil, kernel.Errorf(kernel.Internal, "rebac.subjectsWithRelation", err)
		}
		subjects = append(subjects, subjType+":"+subjID)
	}
	return subjects, rows.Err()
}

// hasDirectTuple reports whether (subjectType:subjectID) --relation--> (objectType:objectID) exists in zoneID.
func (e *Engine) hasDirectTuple(ctx context.Context, zid uuid.UUID, zoneID, subjectType, subjectID, relation, objectType, objectID string) (bool, error) {
	rows, err := e.rs.Query(ctx, zid,
		`SELECT 1 FROM rebac_tuples
		 WHERE zone_id = ? AND subject_type = ? AND subject_id = ? AND relation = ?
		   AND object_type = ? AND object_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 LIMIT 1`,
		zoneID, subjectType, subjectID, relation, objectType, objectID, time.Now())
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// isMember reports whether subject is a member of (groupType, groupID),
// directly or transitively. It consults the materialized closure first,
// since group-membership lookups sit on the critical path of most
// checks, and falls back to an on-the-fly BFS, bounded by the same
// budget as the rest of Check, while the closure for this zone is being
// rebuilt.
func (e *Engine) isMember(ctx context.Context, zid uuid.UUID, zoneID, subjectType, subjectID, groupType, groupID string, b *budget) (bool, error) {
	if subjectType == groupType && subjectID == groupID {
		return true, nil
	}

	if err := b.query(); err != nil {
		return false, err
	}
	groups, fresh, err := e.closure.Reachable(ctx, zid, zoneID, subjectType, subjectID)
	if err != nil {
		return false, err
	}
	target := groupType + ":" + groupID
	if fresh {
		for _, g := range groups {
			if g == target {
				return true, nil
			}
		}
		return false, nil
	}

	return e.isMemberBFS(ctx, zid, zoneID, subjectType, subjectID, target, b)
}

func (e *Engine) isMemberBFS(ctx context.Context, zid uuid.UUID, zoneID, subjectType, subjectID, target string, b *budget) (bool, error) {
	start := subjectType + ":" + subjectID
	visited := map[string]bool{start: true}
	queue := []string{start}

	for len(queue) > 0 {
		if err := b.visitNode(); err != nil {
			return false, err
		}
		cur := queue[0]
		queue = queue[1:]
		curType, curID, _ := strings.Cut(cur, ":")

		if err := b.query(); err != nil {
			return false, err
		}
		next, err := e.groupsOf(ctx, zid, zoneID, curType, curID)
		if err != nil {
			return false, err
		}
		if err := b.fanout(len(next)); err != nil {
			return false, err
		}
		for _, g := range next {
			if g == target {
				return true, nil
			}
			if !visited[g] {
				visited[g] = true
				queue = append(queue, g)
			}
		}
	}
	return false, nil
}

// groupsOf returns every group (subjectType, subjectID) is a direct
// member-of.
func (e *Engine) groupsOf(ctx context.Context, zid uuid.UUID, zoneID, subjectType, subjectID string) ([]string, error) {
	rows, err := e.rs.Query(ctx, zid,
		`SELECT object_type, object_id FROM rebac_tuples
		 WHERE zone_id = ? AND subject_type = ? AND subject_id = ? AND relation = 'member-of'
		   AND (expires_at IS NULL OR expires_at > ?)`,
		zoneID, subjectType, subjectID, time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var ot, oi string
		if err := rows.Scan(&ot, &oi); err != nil {
			return nil, kernel.Errorf(kernel.Internal, "rebac.groupsOf", err)
		}
		groups = append(groups, ot+":"+oi)
	}
	return groups, rows.Err()
}

// Grant writes a new relation tuple. Concurrent grants of the same tuple
// are idempotent: if an identical, unexpired tuple already exists,
// Grant is a no-op.
func (e *Engine) Grant(ctx context.Context, tuple kernel.ReBACTuple) error {
	if tuple.SubjectType == "" || tuple.ObjectType == "" {
		return kernel.Errorf(kernel.InvalidArgument, "rebac.Grant", nil)
	}
	zid, err := uuid.Parse(tuple.ZoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "rebac.Grant", err)
	}

	exists, err := e.hasDirectTuple(ctx, zid, tuple.ZoneID, tuple.SubjectType, tuple.SubjectID, tuple.Relation, tuple.ObjectType, tuple.ObjectID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if tuple.TupleID == "" {
		tuple.TupleID = uuid.NewString()
	}
	if tuple.CreatedAt.IsZero() {
		tuple.CreatedAt = time.Now()
	}

	var expiresAt any
	if tuple.ExpiresAt != nil {
		expiresAt = *tuple.ExpiresAt
	}

	_, err = e.rs.Exec(ctx, zid,
		`INSERT INTO rebac_tuples (id, zone_id, object_type, object_id, relation, subject_type, subject_id, subject_relation, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tuple.TupleID, tuple.ZoneID, tuple.ObjectType, tuple.ObjectID, tuple.Relation, tuple.SubjectType, tuple.SubjectID, "", tuple.CreatedAt, expiresAt)
	if err != nil {
		return err
	}

	if err := e.appendChangelog(ctx, zid, tuple.ZoneID, tuple.TupleID, "grant"); err != nil {
		return err
	}
	e.invalidate(ctx, tuple.ZoneID, tuple.SubjectType+":"+tuple.SubjectID, tuple.ObjectType+":"+tuple.ObjectID, tuple.Relation)
	if tuple.Relation == "member-of" {
		e.closure.markDirty(tuple.ZoneID)
	}
	return nil
}

// Revoke deletes a relation tuple.
func (e *Engine) Revoke(ctx context.Context, tuple kernel.ReBACTuple) error {
	zid, err := uuid.Parse(tuple.ZoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "rebac.Revoke", err)
	}

	n, err := e.rs.Exec(ctx, zid,
		`DELETE FROM rebac_tuples
		 WHERE zone_id = ? AND subject_type = ? AND subject_id = ? AND relation = ?
		   AND object_type = ? AND object_id = ?`,
		tuple.ZoneID, tuple.SubjectType, tuple.SubjectID, tuple.Relation, tuple.ObjectType, tuple.ObjectID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil // idempotent
	}

	if err := e.appendChangelog(ctx, zid, tuple.ZoneID, tuple.TupleID, "revoke"); err != nil {
		return err
	}
	e.invalidate(ctx, tuple.ZoneID, tuple.SubjectType+":"+tuple.SubjectID, tuple.ObjectType+":"+tuple.ObjectID, tuple.Relation)
	if tuple.Relation == "member-of" {
		e.closure.markDirty(tuple.ZoneID)
	}
	return nil
}

func (e *Engine) appendChangelog(ctx context.Context, zid uuid.UUID, zoneID, tupleID, action string) error {
	_, err := e.rs.Exec(ctx, zid,
		`INSERT INTO rebac_changelog (id, zone_id, tuple_id, action, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), zoneID, tupleID, action, time.Now())
	return err
}

// invalidate bumps the zone's cache version, which takes every check
// result cached in the zone before the change out of use, then
// best-effort deletes the entries stored under the subject and object key
// prefixes. Check keys are grouped under the object's prefix; relation is
// not a key component and is not used here. It never returns an error:
// the cache is an optimization, not on the correctness path, so a failed
// invalidation degrades freshness, not correctness, and the version bump
// is the primary coherence mechanism.
func (e *Engine) invalidate(ctx context.Context, zoneID, subject, object, relation string) {
	e.bumpVersion(ctx, zoneID)
	_ = e.cache.DeleteByPrefix(ctx, CacheKeyPrefix(zoneID, subject))
	_ = e.cache.DeleteByPrefix(ctx, CacheKeyPrefix(zoneID, object))
	_ = relation
}
