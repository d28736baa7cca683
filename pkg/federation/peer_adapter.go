package federation

import (
	"context"

	"github.com/nexus-kernel/nexus/pkg/fsm"
)

// FilesystemPeerKernel adapts a local *fsm.Filesystem into a PeerKernel so
// NewPeerServer can expose it over grpc: every inbound request carries its
// own subject fields across the wire (there is no ambient OperationContext
// on a federation connection the way there is inside one process), so each
// method rebuilds one via requestContext before delegating.
type FilesystemPeerKernel struct {
	fs *fsm.Filesystem
}

// NewFilesystemPeerKernel wraps fs for serving over pkg/federation.
func NewFilesystemPeerKernel(fs *fsm.Filesystem) *FilesystemPeerKernel {
	return &FilesystemPeerKernel{fs: fs}
}

func (k *FilesystemPeerKernel) ForwardRead(ctx context.Context, req *PeerReadRequest) (*PeerReadResponse, error) {
	opctx := requestContext(req.ZoneID, req.SubjectID, req.Groups, req.IsAdmin)
	data, err := k.fs.Read(ctx, opctx, req.Path)
	if err != nil {
		return nil, err
	}
	fm, err := k.fs.Stat(ctx, opctx, req.Path)
	if err != nil {
		return nil, err
	}
	return &PeerReadResponse{Data: data, ContentHash: fm.ContentHash}, nil
}

func (k *FilesystemPeerKernel) ForwardWrite(ctx context.Context, req *PeerWriteRequest) (*PeerWriteResponse, error) {
	opctx := requestContext(req.ZoneID, req.SubjectID, req.Groups, req.IsAdmin)
	etag, err := k.fs.Write(ctx, opctx, req.Path, req.Data, fsm.WriteOptions{IfMatch: req.IfMatch})
	if err != nil {
		return nil, err
	}
	return &PeerWriteResponse{Etag: etag}, nil
}

func (k *FilesystemPeerKernel) ForwardStat(ctx context.Context, req *PeerStatRequest) (*PeerStatResponse, error) {
	opctx := requestContext(req.ZoneID, req.SubjectID, req.Groups, req.IsAdmin)
	fm, err := k.fs.Stat(ctx, opctx, req.Path)
	if err != nil {
		return nil, err
	}
	return &PeerStatResponse{Meta: fm}, nil
}

var _ PeerKernel = (*FilesystemPeerKernel)(nil)
