package cas

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/grpcutil"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BlobResourceName formats the ByteStream resource name under which a
// blob can be downloaded.
func BlobResourceName(blobDigest digest.Digest) string {
	p := blobDigest.GetProto()
	return fmt.Sprintf("blobs/%s_%d", p.GetHash(), p.GetSizeBytes())
}

// UploadResourceName formats the ByteStream resource name under which
// a blob is uploaded.
func UploadResourceName(uploadID string, blobDigest digest.Digest) string {
	p := blobDigest.GetProto()
	return fmt.Sprintf("uploads/%s/blobs/%s_%d", uploadID, p.GetHash(), p.GetSizeBytes())
}

type remoteBlobFetcher struct {
	backplane backplane.Backplane
	pool      *grpcutil.ConnectionPool
	selfName  string
}

// NewRemoteBlobFetcher creates a BlobFetcher that locates blobs
// through the backplane's blob location index and streams them from
// peer workers. Stale locations are repaired as they are discovered.
func NewRemoteBlobFetcher(bp backplane.Backplane, pool *grpcutil.ConnectionPool, selfName string) BlobFetcher {
	return &remoteBlobFetcher{
		backplane: bp,
		pool:      pool,
		selfName:  selfName,
	}
}

func (bf *remoteBlobFetcher) FetchBlob(ctx context.Context, blobDigest digest.Digest, w io.Writer) error {
	locations, err := bf.backplane.GetBlobLocations(ctx, blobDigest)
	if err != nil {
		return util.StatusWrap(err, "Failed to locate blob")
	}
	rand.Shuffle(len(locations), func(i, j int) {
		locations[i], locations[j] = locations[j], locations[i]
	})

	resourceName := BlobResourceName(blobDigest)
	for _, worker := range locations {
		if worker == bf.selfName {
			continue
		}
		conn, err := bf.pool.Get(worker)
		if err != nil {
			continue
		}
		client := bytestream.NewByteStreamClient(conn)
		stream, err := client.Read(ctx, &bytestream.ReadRequest{
			ResourceName: resourceName,
		})
		if err != nil {
			continue
		}
		written := int64(0)
		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if status.Code(err) == codes.NotFound {
					// The location index was stale.
					bf.backplane.AdjustBlobLocations(ctx, blobDigest, nil, []string{worker})
				}
				if written > 0 {
					return util.StatusWrapf(err, "Transfer of blob %#v from worker %#v was interrupted", blobDigest.String(), worker)
				}
				break
			}
			if _, err := w.Write(chunk.Data); err != nil {
				return util.StatusWrapWithCode(err, codes.Internal, "Failed to write blob contents")
			}
			written += int64(len(chunk.Data))
		}
	}
	return status.Errorf(codes.NotFound, "Blob %#v is not present on any worker", blobDigest.String())
}
