package cas_test

import (
	"bytes"
	"context"
	"io"
	"math"
	"sync"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/internal/mock"
	farm_cas "github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var testDigestFunction = digest.MustNewFunction("", remoteexecution.DigestFunction_SHA256)

func digestOf(data []byte) digest.Digest {
	generator := testDigestFunction.NewGenerator(math.MaxInt64)
	generator.Write(data)
	return generator.Sum()
}

// fetcherFor returns a BlobFetcher mock serving the provided blobs any
// number of times.
func fetcherFor(ctrl *gomock.Controller, blobs ...[]byte) *mock.MockBlobFetcher {
	fetcher := mock.NewMockBlobFetcher(ctrl)
	for _, data := range blobs {
		data := data
		fetcher.EXPECT().FetchBlob(gomock.Any(), digestOf(data), gomock.Any()).DoAndReturn(
			func(ctx context.Context, blobDigest digest.Digest, w io.Writer) error {
				_, err := w.Write(data)
				return err
			}).AnyTimes()
	}
	return fetcher
}

func newTestCache(t *testing.T, ctrl *gomock.Controller, maxSizeBytes int64, fetcher farm_cas.BlobFetcher, onExpire func([]digest.Digest)) *farm_cas.FileCache {
	root, err := filesystem.NewLocalDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := farm_cas.NewFileCache(root, maxSizeBytes, testDigestFunction, clock.SystemClock, fetcher, nil, onExpire)
	require.NoError(t, c.Start())
	return c
}

func TestFileCacheContentRoundTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c := newTestCache(t, ctrl, 1000, mock.NewMockBlobFetcher(ctrl), nil)
	data := []byte("Hello, build farm!")
	blobDigest := digestOf(data)

	require.NoError(t, c.PutContent(context.Background(), blobDigest, bytes.NewReader(data)))
	require.Equal(t, int64(len(data)), c.SizeBytes())

	r, err := c.NewInput(blobDigest, 0)
	require.NoError(t, err)
	readBack, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, data, readBack)

	// Reads at an offset return the tail of the blob.
	r, err = c.NewInput(blobDigest, 7)
	require.NoError(t, err)
	readBack, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, data[7:], readBack)

	// Offsets past the end are out of range.
	_, err = c.NewInput(blobDigest, int64(len(data))+1)
	require.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestFileCacheContentDigestMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c := newTestCache(t, ctrl, 1000, mock.NewMockBlobFetcher(ctrl), nil)
	err := c.PutContent(context.Background(), digestOf([]byte("expected")), bytes.NewReader([]byte("provided")))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Zero(t, c.SizeBytes())
}

func TestFileCacheEvictionUnderPressure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	blobA := []byte("aaaa")
	blobB := []byte("bbb")
	blobC := []byte("ccc")
	blobD := []byte("dddd")

	var expiredLock sync.Mutex
	var expired []digest.Digest
	c := newTestCache(t, ctrl, 10, fetcherFor(ctrl, blobA, blobB, blobC, blobD), func(blobDigests []digest.Digest) {
		expiredLock.Lock()
		defer expiredLock.Unlock()
		expired = append(expired, blobDigests...)
	})

	keyA, err := c.Put(ctx, digestOf(blobA), false, nil)
	require.NoError(t, err)
	keyB, err := c.Put(ctx, digestOf(blobB), false, nil)
	require.NoError(t, err)
	_, err = c.Put(ctx, digestOf(blobC), false, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10), c.SizeBytes())

	// A becomes the least recently released unreferenced entry; C
	// stays referenced.
	c.DecrementReferences([]string{keyA.String()}, nil)
	c.DecrementReferences([]string{keyB.String()}, nil)

	// Adding D forces eviction of A, then B. C is protected by its
	// reference.
	_, err = c.Put(ctx, digestOf(blobD), false, nil)
	require.NoError(t, err)
	require.Equal(t, int64(7), c.SizeBytes())

	expiredLock.Lock()
	require.ElementsMatch(t, []digest.Digest{digestOf(blobA), digestOf(blobB)}, expired)
	expiredLock.Unlock()

	require.Empty(t, c.FindMissingBlobs([]digest.Digest{digestOf(blobC), digestOf(blobD)}))
	require.Len(t, c.FindMissingBlobs([]digest.Digest{digestOf(blobA), digestOf(blobB)}), 2)
}

func TestFileCacheNeverEvictsReferencedEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	blobA := []byte("aaaa")
	blobB := []byte("bbbbbbb")
	c := newTestCache(t, ctrl, 10, fetcherFor(ctrl, blobA, blobB), nil)

	keyA, err := c.Put(ctx, digestOf(blobA), false, nil)
	require.NoError(t, err)

	// B does not fit while A is referenced.
	_, err = c.Put(ctx, digestOf(blobB), false, nil)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.Empty(t, c.FindMissingBlobs([]digest.Digest{digestOf(blobA)}))

	// After a balanced release, the eviction can proceed.
	c.DecrementReferences([]string{keyA.String()}, nil)
	require.Equal(t, int64(4), c.SizeBytes())
	_, err = c.Put(ctx, digestOf(blobB), false, nil)
	require.NoError(t, err)
	require.Equal(t, int64(7), c.SizeBytes())
}
