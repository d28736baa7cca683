// Package router implements the path router and namespace: a fixed set
// of top-level roots, each carrying access flags, consulted on every
// path operation before the filesystem core touches a store.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/nexus-kernel/nexus/pkg/kernel"
)

// NamespaceRoot is one top-level namespace segment and its access flags.
type NamespaceRoot struct {
	Name         string
	ReadOnly     bool
	AdminOnly    bool
	RequiresZone bool
}

// MetadataLookup is the subset of pkg/metadata.Store the router needs to
// detect and traverse mount points. Taken as a parameter rather than a
// struct field so pkg/router stays a leaf package, matching the
// injected-interface shape pkg/oplog uses for the same reason.
type MetadataLookup interface {
	Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error)
}

// Resolution is the outcome of routing a path: the root it resolved
// under, and, if the path traversed one or more mounts, the zone the
// access ultimately applies to.
type Resolution struct {
	Root         NamespaceRoot
	ZoneID       string
	CrossedMount bool
}

// Router holds the fixed namespace root table. Roots are rarely
// reconfigured (an admin operation, not a per-request one) so reads and
// the occasional update are guarded by a single RWMutex.
type Router struct {
	mu    sync.RWMutex
	roots map[string]NamespaceRoot
}

// New builds a Router over the given namespace roots.
func New(roots ...NamespaceRoot) *Router {
	r := &Router{roots: make(map[string]NamespaceRoot, len(roots))}
	for _, root := range roots {
		r.roots[root.Name] = root
	}
	return r
}

// DefaultRoots is the stock namespace: a writable per-agent workspace, a
// writable cross-zone shared area, a read-only archive, a read-only
// external-collaborator view, and an admin-only system root.
func DefaultRoots() []NamespaceRoot {
	return []NamespaceRoot{
		{Name: "workspace", RequiresZone: true},
		{Name: "shared", RequiresZone: true},
		{Name: "archives", ReadOnly: true, RequiresZone: true},
		{Name: "external", ReadOnly: true},
		{Name: "system", AdminOnly: true},
	}
}

// UpdateRoots replaces the entire root table.
func (r *Router) UpdateRoots(roots []NamespaceRoot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = make(map[string]NamespaceRoot, len(roots))
	for _, root := range roots {
		r.roots[root.Name] = root
	}
}

func rootSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

const maxMountHops = 8

// Access parses the root, enforces admin_only and requires_zone, rejects
// mutating operations against a readonly root, then recurses across
// mount points. meta is used only when the path (or a path it mounts
// into) actually crosses a mount point; callers that never mount
// anything may pass nil.
func (r *Router) Access(ctx context.Context, opctx kernel.OperationContext, path string, mutating bool, meta MetadataLookup) (Resolution, error) {
	root, ok := r.rootFor(path)
	if !ok {
		return Resolution{}, kernel.Errorf(kernel.NotFound, "router.Access", nil).WithPath(path)
	}

	res := Resolution{Root: root, ZoneID: opctx.ZoneID}
	zoneID := opctx.ZoneID
	current := path

	for hops := 0; ; hops++ {
		if root.AdminOnly && !opctx.IsAdmin {
			return Resolution{}, kernel.Errorf(kernel.PermissionDenied, "router.Access", nil).WithPath(path)
		}
		if root.RequiresZone && zoneID == "" {
			return Resolution{}, kernel.Errorf(kernel.PermissionDenied, "router.Access", nil).WithPath(path)
		}
		if root.ReadOnly && mutating {
			return Resolution{}, kernel.Errorf(kernel.ReadOnly, "router.Access", nil).WithPath(path)
		}

		if meta == nil || zoneID == "" {
			break
		}
		fm, err := meta.Get(ctx, zoneID, current)
		if kernel.IsNotFound(err) {
			break
		}
		if err != nil {
			return Resolution{}, err
		}
		if fm.EntryType != kernel.EntryMount {
			break
		}
		if hops >= maxMountHops {
			return Resolution{}, kernel.Errorf(kernel.ResourceExhausted, "router.Access", nil).WithPath(path)
		}

		zoneID = fm.TargetZoneID
		res.CrossedMount = true
		res.ZoneID = zoneID
	}

	return res, nil
}

func (r *Router) rootFor(path string) (NamespaceRoot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, ok := r.roots[rootSegment(path)]
	return root, ok
}
