package rebac

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/cachestore"
	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
	"github.com/nexus-kernel/nexus/pkg/recordstore"
)

const checkCacheTTL = 30 * time.Second

// Engine is the ReBAC authorization engine: tuple storage over
// RecordStore, a data-driven rule evaluator over the Registry, and
// CacheStore-backed result caching.
type Engine struct {
	rs          recordstore.RecordStore
	cache       cachestore.CacheStore
	namespaces  *Registry
	closure     *ClosureIndex
	limits      Limits
	adminBypass bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLimits overrides the default graph safety limits.
func WithLimits(limits Limits) Option {
	return func(e *Engine) { e.limits = limits }
}

// WithAdminBypass enables step 1 of the check algorithm: an
// OperationContext with IsAdmin set always passes.
func WithAdminBypass(enabled bool) Option {
	return func(e *Engine) { e.adminBypass = enabled }
}

// New wires a ReBAC engine over a RecordStore (tuples, changelog, group
// closure) and a CacheStore (check-result cache).
func New(rs recordstore.RecordStore, cache cachestore.CacheStore, namespaces *Registry, opts ...Option) *Engine {
	e := &Engine{
		rs:         rs,
		cache:      cache,
		namespaces: namespaces,
		closure:    newClosureIndex(rs),
		limits:     DefaultLimits(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartClosureRebuild launches the background group-closure recompute
// loop at the given interval.
func (e *Engine) StartClosureRebuild(interval time.Duration) { e.closure.Start(interval) }

// StopClosureRebuild halts the background recompute loop.
func (e *Engine) StopClosureRebuild() { e.closure.Stop() }

// RebuildClosureNow forces an immediate group-closure recompute for
// zoneID, bypassing the dirty-flag gate the background loop uses. Intended
// for operator tooling that cannot wait for the next scheduled pass.
func (e *Engine) RebuildClosureNow(ctx context.Context, zoneID string) error {
	return e.closure.rebuildZone(ctx, zoneID)
}

// CacheKeyPrefix returns the check-result cache key prefix for a single
// subject or object entity (formatted "type:id") within zoneID. Exported
// so callers outside this package — the filesystem core's write/delete
// path invalidating permission-cache entries on a path it just changed —
// can target the same cache keys Check populates without duplicating the
// key scheme.
func CacheKeyPrefix(zoneID, entity string) string {
	return fmt.Sprintf("rebac/check/%s/%s/", zoneID, entity)
}

func (e *Engine) versionKey(zoneID string) string { return "rebac/zversion/" + zoneID }

func (e *Engine) getVersion(ctx context.Context, zoneID string) string {
	value, ok, err := e.cache.Get(ctx, e.versionKey(zoneID))
	if err != nil || !ok {
		return "0"
	}
	return string(value)
}

func (e *Engine) bumpVersion(ctx context.Context, zoneID string) {
	current, _ := strconv.Atoi(e.getVersion(ctx, zoneID))
	_ = e.cache.Set(ctx, e.versionKey(zoneID), []byte(strconv.Itoa(current+1)), 0)
}

func checkCacheKey(zoneID, subject, permission, objectType, objectID, version string) string {
	return fmt.Sprintf("%s%s/%s/%s:%s/v%s",
		CacheKeyPrefix(zoneID, objectType+":"+objectID), subject, permission, objectType, objectID, version)
}

// Check evaluates whether subject holds permission on (objectType,
// objectID) within the current zone, consulting the result cache first
// and falling back to the namespace rule evaluator bounded by the
// configured graph safety limits.
func (e *Engine) Check(ctx context.Context, opctx kernel.OperationContext, permission, objectType, objectID string) (bool, error) {
	timer := metrics.NewTimer()
	outcome := "denied"
	defer func() { timer.ObserveDurationVec(metrics.ReBACCheckDuration, outcome) }()

	// Step 1: admin bypass.
	if e.adminBypass && opctx.IsAdmin {
		outcome = "admin_bypass"
		return true, nil
	}

	if opctx.ZoneID == "" {
		// Subjects without a zone context have no access beyond explicitly
		// public namespaces, which this engine does not model; fail closed.
		return false, nil
	}
	zid, err := uuid.Parse(opctx.ZoneID)
	if err != nil {
		return false, kernel.Errorf(kernel.InvalidArgument, "rebac.Check", err)
	}
	subject := opctx.Subject()

	// Step 2: consult the cache unless the caller demands strong consistency.
	version := e.getVersion(ctx, opctx.ZoneID)
	key := checkCacheKey(opctx.ZoneID, subject, permission, objectType, objectID, version)
	if opctx.Consistency != kernel.ConsistencyStrong {
		if value, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			metrics.ReBACCacheHitsTotal.Inc()
			outcome = "cache_hit_" + string(value)
			return string(value) == "true", nil
		}
	}
	metrics.ReBACCacheMissesTotal.Inc()

	// Step 3: load the namespace config.
	rule, ok := e.namespaces.Rule(objectType, permission)
	if !ok {
		outcome = "no_namespace_rule"
		return false, nil
	}

	// Steps 4-5: evaluate the rule graph under the safety budget.
	subjType, subjID, _ := strings.Cut(subject, ":")
	b := newBudget(e.limits)
	allowed, err := e.evalRule(ctx, b, zid, opctx.ZoneID, subjType, subjID, objectType, objectID, rule)
	if err != nil {
		if kernel.IsResourceExhausted(err) {
			outcome = "resource_exhausted"
		}
		return false, err
	}

	// Step 6: cache the result.
	result := "false"
	if allowed {
		result = "true"
	}
	_ = e.cache.Set(ctx, key, []byte(result), checkCacheTTL)

	outcome = result
	return allowed, nil
}

func (e *Engine) evalRule(ctx context.Context, b *budget, zid uuid.UUID, zoneID, subjType, subjID, objectType, objectID string, rule Rule) (bool, error) {
	if err := b.descend(); err != nil {
		return false, err
	}
	defer b.ascend()
	if err := b.visitNode(); err != nil {
		return false, err
	}

	switch r := rule.(type) {
	case DirectRelation:
		if r.Relation == "member-of" {
			return e.isMember(ctx, zid, zoneID, subjType, subjID, objectType, objectID, b)
		}
		if err := b.query(); err != nil {
			return false, err
		}
		return e.hasDirectTuple(ctx, zid, zoneID, subjType, subjID, r.Relation, objectType, objectID)

	case Union:
		if err := b.fanout(len(r.Rules)); err != nil {
			return false, err
		}
		for _, sub := range r.Rules {
			ok, err := e.evalRule(ctx, b, zid, zoneID, subjType, subjID, objectType, objectID, sub)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case Intersection:
		if err := b.fanout(len(r.Rules)); err != nil {
			return false, err
		}
		for _, sub := range r.Rules {
			ok, err := e.evalRule(ctx, b, zid, zoneID, subjType, subjID, objectType, objectID, sub)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case Exclusion:
		included, err := e.evalRule(ctx, b, zid, zoneID, subjType, subjID, objectType, objectID, r.Include)
		if err != nil {
			return false, err
		}
		if !included {
			return false, nil
		}
		excluded, err := e.evalRule(ctx, b, zid, zoneID, subjType, subjID, objectType, objectID, r.Exclude)
		if err != nil {
			return false, err
		}
		return !excluded, nil

	case TupleToUserset:
		if err := b.query(); err != nil {
			return false, err
		}
		subjects, err := e.subjectsWithRelation(ctx, zid, zoneID, objectType, objectID, r.TuplesetRelation)
		if err != nil {
			return false, err
		}
		if err := b.fanout(len(subjects)); err != nil {
			return false, err
		}
		for _, s := range subjects {
			sType, sID, _ := strings.Cut(s, ":")
			ok, err := e.evalRule(ctx, b, zid, zoneID, subjType, subjID, sType, sID, DirectRelation{Relation: r.ComputedRelation})
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, kernel.Errorf(kernel.Internal, "rebac.evalRule", nil)
	}
}
