package rebac

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/log"
	"github.com/nexus-kernel/nexus/pkg/metrics"
	"github.com/nexus-kernel/nexus/pkg/recordstore"
)

// ClosureIndex maintains the materialized ReBACGroupClosure table: for
// every (member_type, member_id), every (group_type, group_id) reachable
// through transitive member-of relations. Recomputed by a background job
// on a fixed ticker whenever member-of tuples change. While a zone's
// closure is marked dirty, Check falls back to on-the-fly traversal
// rather than blocking on a rebuild.
type ClosureIndex struct {
	rs recordstore.RecordStore

	mu    sync.Mutex
	dirty map[string]bool

	stopCh chan struct{}
}

func newClosureIndex(rs recordstore.RecordStore) *ClosureIndex {
	return &ClosureIndex{rs: rs, dirty: make(map[string]bool), stopCh: make(chan struct{})}
}

func (c *ClosureIndex) markDirty(zoneID string) {
	c.mu.Lock()
	c.dirty[zoneID] = true
	c.mu.Unlock()
}

func (c *ClosureIndex) isDirty(zoneID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty[zoneID]
}

// Start launches the background rebuild loop.
func (c *ClosureIndex) Start(interval time.Duration) {
	go c.run(interval)
}

// Stop halts the background rebuild loop.
func (c *ClosureIndex) Stop() { close(c.stopCh) }

func (c *ClosureIndex) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.rebuildDirty(context.Background()); err != nil {
				log.Error("rebac closure rebuild failed: " + err.Error())
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *ClosureIndex) rebuildDirty(ctx context.Context) error {
	c.mu.Lock()
	zones := make([]string, 0, len(c.dirty))
	for z := range c.dirty {
		zones = append(zones, z)
	}
	c.mu.Unlock()

	for _, zoneID := range zones {
		if err := c.rebuildZone(ctx, zoneID); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.dirty, zoneID)
		c.mu.Unlock()
	}
	return nil
}

// rebuildZone recomputes the full closure for zoneID by loading every
// member-of tuple and running a BFS from each member.
func (c *ClosureIndex) rebuildZone(ctx context.Context, zoneID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReBACClosureRebuildDuration)

	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "rebac.rebuildZone", err)
	}

	edges, err := c.loadMemberOfEdges(ctx, zid, zoneID)
	if err != nil {
		return err
	}

	closure := computeClosure(edges)

	return c.rs.WithTx(ctx, zid, func(tx recordstore.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM rebac_group_closure WHERE zone_id = ?`, zoneID); err != nil {
			return err
		}
		now := time.Now()
		for member, groups := range closure {
			for group := range groups {
				if _, err := tx.Exec(ctx,
					`INSERT INTO rebac_group_closure (zone_id, member_type, member_id, group_type, group_id, computed_at)
					 VALUES (?, ?, ?, ?, ?, ?)`,
					zoneID, member.typ, member.id, group.typ, group.id, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

type entityRef struct{ typ, id string }

func (c *ClosureIndex) loadMemberOfEdges(ctx context.Context, zid uuid.UUID, zoneID string) (map[entityRef][]entityRef, error) {
	rows, err := c.rs.Query(ctx, zid,
		`SELECT subject_type, subject_id, object_type, object_id FROM rebac_tuples
		 WHERE zone_id = ? AND relation = 'member-of' AND (expires_at IS NULL OR expires_at > ?)`,
		zoneID, time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := make(map[entityRef][]entityRef)
	for rows.Next() {
		var st, si, ot, oi string
		if err := rows.Scan(&st, &si, &ot, &oi); err != nil {
			return nil, kernel.Errorf(kernel.Internal, "rebac.loadMemberOfEdges", err)
		}
		from := entityRef{st, si}
		edges[from] = append(edges[from], entityRef{ot, oi})
	}
	return edges, rows.Err()
}

// computeClosure returns, for every member, the full set of transitively
// reachable groups.
func computeClosure(edges map[entityRef][]entityRef) map[entityRef]map[entityRef]bool {
	closure := make(map[entityRef]map[entityRef]bool)
	for member := range edges {
		reachable := make(map[entityRef]bool)
		queue := append([]entityRef(nil), edges[member]...)
		for len(queue) > 0 {
			group := queue[0]
			queue = queue[1:]
			if reachable[group] {
				continue
			}
			reachable[group] = true
			queue = append(queue, edges[group]...)
		}
		if len(reachable) > 0 {
			closure[member] = reachable
		}
	}
	return closure
}

// Reachable returns the groups closure has materialized for
// (memberType, memberID), and whether the closure is fresh (not dirty).
// When fresh is false, the caller must fall back to on-the-fly traversal.
func (c *ClosureIndex) Reachable(ctx context.Context, zid uuid.UUID, zoneID, memberType, memberID string) (groups []string, fresh bool, err error) {
	if c.isDirty(zoneID) {
		return nil, false, nil
	}

	rows, err := c.rs.Query(ctx, zid,
		`SELECT group_type, group_id FROM rebac_group_closure
		 WHERE zone_id = ? AND member_type = ? AND member_id = ?`,
		zoneID, memberType, memberID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var gt, gi string
		if err := rows.Scan(&gt, &gi); err != nil {
			return nil, false, kernel.Errorf(kernel.Internal, "rebac.Reachable", err)
		}
		groups = append(groups, gt+":"+gi)
	}
	return groups, true, rows.Err()
}
