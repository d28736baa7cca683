package fsm

import (
	"context"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/router"
)

// RouterAdapter wraps a *router.Router to satisfy the PathRouter
// interface Filesystem consumes. It exists only to translate
// router.Resolution (a concrete struct carrying fields Filesystem has no
// use for, like the matched root's flags) down to the narrower
// ResolutionZone Filesystem actually needs.
type RouterAdapter struct {
	Router *router.Router
}

// Access implements PathRouter.
func (a RouterAdapter) Access(ctx context.Context, opctx kernel.OperationContext, path string, mutating bool, meta interface {
	Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error)
}) (ResolutionZone, error) {
	res, err := a.Router.Access(ctx, opctx, path, mutating, meta)
	if err != nil {
		return ResolutionZone{}, err
	}
	return ResolutionZone{ZoneID: res.ZoneID}, nil
}
