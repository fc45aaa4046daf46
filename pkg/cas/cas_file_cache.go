package cas

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	casFileCachePrometheusMetrics sync.Once

	casFileCacheSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildfarm",
			Subsystem: "cas",
			Name:      "file_cache_size_bytes",
			Help:      "Total size of the blobs held by the local file cache.",
		})
	casFileCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "cas",
			Name:      "file_cache_evictions_total",
			Help:      "Number of blobs evicted from the local file cache.",
		})
	casFileCacheDirectoryExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "cas",
			Name:      "file_cache_directory_expirations_total",
			Help:      "Number of materialized directories expired by eviction of one of their inputs.",
		})
)

// existsDeadlineDuration is how long a successful on-disk existence
// check remains trusted before the next use verifies the file again.
const existsDeadlineDuration = 10 * time.Second

// BlobFetcher reads a blob from a remote source, used to fill the
// cache on a local miss.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, blobDigest digest.Digest, w io.Writer) error
}

type entry struct {
	key                   string
	digest                digest.Digest
	isExecutable          bool
	sizeBytes             int64
	refs                  int
	containingDirectories map[string]struct{}
	existsDeadline        time.Time

	// Position in the LRU list. Non-nil iff refs == 0.
	lruElement *list.Element
}

type directoryEntry struct {
	digest         digest.Digest
	inputs         []string
	existsDeadline time.Time
}

// FileCache is a reference counted LRU of content addressed files and
// materialized directory trees on local disk. Files are named
// "<hash>_<size>" with an "_exec" suffix for executables; materialized
// directories are named "<hash>_<size>_dir". Entries with a nonzero
// reference count are never evicted; unreferenced entries are kept on
// an LRU list and evicted under size pressure.
type FileCache struct {
	root           filesystem.Directory
	maxSizeBytes   int64
	digestFunction digest.Function
	clock          clock.Clock
	fetcher        BlobFetcher
	onPut          func(digest.Digest)
	onExpire       func([]digest.Digest)

	lock             sync.Mutex
	storage          map[string]*entry
	directoryStorage map[string]*directoryEntry
	lru              *list.List
	sizeBytes        int64

	// In-flight remote fetches and directory materializations,
	// keyed so that concurrent requests for the same blob or tree
	// wait instead of duplicating work.
	fetches        map[string]chan struct{}
	materializings map[string]chan struct{}
}

// NewFileCache creates an empty file cache rooted at the provided
// directory. Call Start() to recover entries left behind by a previous
// process before serving requests.
func NewFileCache(root filesystem.Directory, maxSizeBytes int64, digestFunction digest.Function, clk clock.Clock, fetcher BlobFetcher, onPut func(digest.Digest), onExpire func([]digest.Digest)) *FileCache {
	casFileCachePrometheusMetrics.Do(func() {
		prometheus.MustRegister(casFileCacheSizeBytes)
		prometheus.MustRegister(casFileCacheEvictionsTotal)
		prometheus.MustRegister(casFileCacheDirectoryExpirationsTotal)
	})

	return &FileCache{
		root:           root,
		maxSizeBytes:   maxSizeBytes,
		digestFunction: digestFunction,
		clock:          clk,
		fetcher:        fetcher,
		onPut:          onPut,
		onExpire:       onExpire,

		storage:          map[string]*entry{},
		directoryStorage: map[string]*directoryEntry{},
		lru:              list.New(),

		fetches:        map[string]chan struct{}{},
		materializings: map[string]chan struct{}{},
	}
}

func fileKey(blobDigest digest.Digest, isExecutable bool) string {
	p := blobDigest.GetProto()
	key := fmt.Sprintf("%s_%d", p.GetHash(), p.GetSizeBytes())
	if isExecutable {
		key += "_exec"
	}
	return key
}

func directoryKey(directoryDigest digest.Digest) string {
	p := directoryDigest.GetProto()
	return fmt.Sprintf("%s_%d_dir", p.GetHash(), p.GetSizeBytes())
}

// Start recovers the cache contents by walking one level of the root
// directory. Regular files with well-formed names are registered as
// unreferenced entries; temporary files and materialized directories
// from a previous process are discarded, as their reference state is
// unknown.
func (c *FileCache) Start() error {
	children, err := c.root.ReadDir()
	if err != nil {
		return util.StatusWrap(err, "Failed to read cache directory")
	}
	for _, child := range children {
		name := child.Name()
		switch child.Type() {
		case filesystem.FileTypeDirectory:
			if err := c.root.RemoveAll(name); err != nil {
				return util.StatusWrapf(err, "Failed to remove stale directory %#v", name.String())
			}
		case filesystem.FileTypeRegularFile:
			blobDigest, isExecutable, ok := c.parseFileName(name.String())
			if !ok {
				if err := c.root.Remove(name); err != nil {
					return util.StatusWrapf(err, "Failed to remove unrecognized file %#v", name.String())
				}
				continue
			}
			e := &entry{
				key:                   name.String(),
				digest:                blobDigest,
				isExecutable:          isExecutable,
				sizeBytes:             blobDigest.GetSizeBytes(),
				containingDirectories: map[string]struct{}{},
				existsDeadline:        c.clock.Now().Add(existsDeadlineDuration),
			}
			e.lruElement = c.lru.PushFront(e)
			c.storage[e.key] = e
			c.sizeBytes += e.sizeBytes
		default:
			if err := c.root.Remove(name); err != nil {
				return util.StatusWrapf(err, "Failed to remove unrecognized file %#v", name.String())
			}
		}
	}
	casFileCacheSizeBytes.Set(float64(c.sizeBytes))
	return nil
}

func (c *FileCache) parseFileName(name string) (digest.Digest, bool, bool) {
	isExecutable := strings.HasSuffix(name, "_exec")
	trimmed := strings.TrimSuffix(name, "_exec")
	parts := strings.SplitN(trimmed, "_", 2)
	if len(parts) != 2 || strings.HasPrefix(name, ".tmp.") {
		return digest.BadDigest, false, false
	}
	sizeBytes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return digest.BadDigest, false, false
	}
	blobDigest, err := c.digestFunction.NewDigest(parts[0], sizeBytes)
	if err != nil {
		return digest.BadDigest, false, false
	}
	return blobDigest, isExecutable, true
}

// SizeBytes returns the total size of the blobs currently held.
func (c *FileCache) SizeBytes() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sizeBytes
}

func (c *FileCache) incrementLocked(e *entry, containingDirectory *digest.Digest) {
	if e.refs == 0 && e.lruElement != nil {
		c.lru.Remove(e.lruElement)
		e.lruElement = nil
	}
	e.refs++
	if containingDirectory != nil {
		e.containingDirectories[directoryKey(*containingDirectory)] = struct{}{}
	}
}

func (c *FileCache) decrementLocked(e *entry) {
	if e.refs == 0 {
		panic("Attempted to release a cache entry with a zero reference count")
	}
	e.refs--
	if e.refs == 0 {
		e.lruElement = c.lru.PushFront(e)
	}
}

// reserveSpaceLocked evicts unreferenced entries, oldest first, until
// the requested size fits. It returns the evicted entries for disk
// cleanup, which the caller must perform after releasing the lock.
func (c *FileCache) reserveSpaceLocked(sizeBytes int64) ([]*entry, []*directoryEntry, error) {
	if sizeBytes >= c.maxSizeBytes {
		return nil, nil, status.Errorf(codes.ResourceExhausted, "Blob of %d bytes exceeds the maximum cache size of %d bytes", sizeBytes, c.maxSizeBytes)
	}
	var evicted []*entry
	var expiredDirectories []*directoryEntry
	// Keep evicting while the cache would end up at or above its
	// limit, so that space pressure always leaves headroom.
	for c.sizeBytes+sizeBytes >= c.maxSizeBytes && c.lru.Len() > 0 {
		tail := c.lru.Back()
		victim := tail.Value.(*entry)
		c.lru.Remove(tail)
		victim.lruElement = nil
		delete(c.storage, victim.key)
		c.sizeBytes -= victim.sizeBytes
		evicted = append(evicted, victim)
		casFileCacheEvictionsTotal.Inc()

		// Evicting an input of a materialized directory
		// invalidates the whole directory.
		for dirKey := range victim.containingDirectories {
			if de, ok := c.directoryStorage[dirKey]; ok {
				delete(c.directoryStorage, dirKey)
				expiredDirectories = append(expiredDirectories, de)
				casFileCacheDirectoryExpirationsTotal.Inc()
				for _, inputKey := range de.inputs {
					if input, ok := c.storage[inputKey]; ok {
						delete(input.containingDirectories, dirKey)
					}
				}
			}
		}
	}
	if c.sizeBytes+sizeBytes > c.maxSizeBytes {
		// Entries already evicted stay evicted; the caller still
		// removes them from disk.
		return evicted, expiredDirectories, status.Errorf(codes.ResourceExhausted, "Cannot reserve %d bytes: all %d bytes of cache contents are referenced", sizeBytes, c.sizeBytes)
	}
	c.sizeBytes += sizeBytes
	return evicted, expiredDirectories, nil
}

// removeEvicted deletes evicted files and expired directory trees from
// disk and publishes the expiration. Must be called without the lock.
func (c *FileCache) removeEvicted(evicted []*entry, expiredDirectories []*directoryEntry) {
	var expiredDigests []digest.Digest
	for _, e := range evicted {
		if name, ok := path.NewComponent(e.key); ok {
			if err := c.root.Remove(name); err != nil && !os.IsNotExist(err) {
				log.Printf("Failed to remove evicted blob %#v: %s", e.key, err)
			}
		}
		expiredDigests = append(expiredDigests, e.digest)
	}
	for _, de := range expiredDirectories {
		if name, ok := path.NewComponent(directoryKey(de.digest)); ok {
			if err := c.root.RemoveAll(name); err != nil && !os.IsNotExist(err) {
				log.Printf("Failed to remove expired directory %#v: %s", name.String(), err)
			}
		}
	}
	if len(expiredDigests) > 0 && c.onExpire != nil {
		c.onExpire(expiredDigests)
	}
}

// verifyExistsLocked checks that an entry's backing file is still on
// disk, memoizing a successful check for a short period. It returns
// false if the file has disappeared, in which case the entry has been
// dropped from the bookkeeping.
func (c *FileCache) verifyExistsLocked(e *entry) bool {
	now := c.clock.Now()
	if now.Before(e.existsDeadline) {
		return true
	}
	name, ok := path.NewComponent(e.key)
	if !ok {
		return false
	}
	if _, err := c.root.Lstat(name); err != nil {
		delete(c.storage, e.key)
		if e.lruElement != nil {
			c.lru.Remove(e.lruElement)
			e.lruElement = nil
		}
		c.sizeBytes -= e.sizeBytes
		return false
	}
	e.existsDeadline = now.Add(existsDeadlineDuration)
	return true
}

// Put ensures a blob is present in the cache and takes a reference on
// it. The returned component names the backing file within the cache
// root, suitable for hard-linking into an execution directory. On a
// local miss the blob is fetched remotely; concurrent calls for the
// same blob share one fetch.
func (c *FileCache) Put(ctx context.Context, blobDigest digest.Digest, isExecutable bool, containingDirectory *digest.Digest) (path.Component, error) {
	key := fileKey(blobDigest, isExecutable)
	component, ok := path.NewComponent(key)
	if !ok {
		return path.Component{}, status.Errorf(codes.InvalidArgument, "Invalid blob key %#v", key)
	}

	for {
		c.lock.Lock()
		if e, ok := c.storage[key]; ok {
			if c.verifyExistsLocked(e) {
				c.incrementLocked(e, containingDirectory)
				c.lock.Unlock()
				return component, nil
			}
			c.lock.Unlock()
			continue
		}

		if wait, ok := c.fetches[key]; ok {
			c.lock.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return path.Component{}, util.StatusFromContext(ctx)
			}
		}

		evicted, expiredDirectories, err := c.reserveSpaceLocked(blobDigest.GetSizeBytes())
		if err != nil {
			c.lock.Unlock()
			c.removeEvicted(evicted, expiredDirectories)
			return path.Component{}, err
		}
		done := make(chan struct{})
		c.fetches[key] = done
		c.lock.Unlock()

		c.removeEvicted(evicted, expiredDirectories)
		casFileCacheSizeBytes.Set(float64(c.sizeBytes))

		err = c.fetchToDisk(ctx, blobDigest, isExecutable, component)

		c.lock.Lock()
		delete(c.fetches, key)
		if err != nil {
			c.sizeBytes -= blobDigest.GetSizeBytes()
			c.lock.Unlock()
			close(done)
			return path.Component{}, err
		}
		e := &entry{
			key:                   key,
			digest:                blobDigest,
			isExecutable:          isExecutable,
			sizeBytes:             blobDigest.GetSizeBytes(),
			refs:                  1,
			containingDirectories: map[string]struct{}{},
			existsDeadline:        c.clock.Now().Add(existsDeadlineDuration),
		}
		if containingDirectory != nil {
			e.containingDirectories[directoryKey(*containingDirectory)] = struct{}{}
		}
		c.storage[key] = e
		c.lock.Unlock()
		close(done)

		if c.onPut != nil {
			c.onPut(blobDigest)
		}
		return component, nil
	}
}

// fetchToDisk downloads a blob into a temporary sibling and renames it
// into place once its contents have been verified against the digest.
func (c *FileCache) fetchToDisk(ctx context.Context, blobDigest digest.Digest, isExecutable bool, component path.Component) error {
	tmpName, ok := path.NewComponent(".tmp." + uuid.Must(uuid.NewRandom()).String())
	if !ok {
		return status.Error(codes.Internal, "Failed to create temporary file name")
	}
	perm := os.FileMode(0o444)
	if isExecutable {
		perm = 0o555
	}
	w, err := c.root.OpenWrite(tmpName, filesystem.CreateExcl(perm))
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create temporary file")
	}

	generator := c.digestFunction.NewGenerator(math.MaxInt64)
	if err := c.fetcher.FetchBlob(ctx, blobDigest, io.MultiWriter(io.NewOffsetWriter(w, 0), generator)); err != nil {
		w.Close()
		c.root.Remove(tmpName)
		return err
	}
	if err := w.Sync(); err != nil {
		w.Close()
		c.root.Remove(tmpName)
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to sync temporary file")
	}
	if err := w.Close(); err != nil {
		c.root.Remove(tmpName)
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to close temporary file")
	}
	downloadedDigest := generator.Sum()
	if downloadedDigest != blobDigest {
		c.root.Remove(tmpName)
		return status.Errorf(codes.Internal, "Blob %#v was fetched with digest %#v", blobDigest.String(), downloadedDigest.String())
	}
	if err := c.root.Rename(tmpName, c.root, component); err != nil {
		c.root.Remove(tmpName)
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to rename temporary file")
	}
	return nil
}

// PutContent inserts a blob whose contents are supplied locally, such
// as an upload or an execution output. The entry is registered without
// references, making it immediately evictable under pressure. Contents
// are verified against the digest; a mismatch yields INVALID_ARGUMENT.
func (c *FileCache) PutContent(ctx context.Context, blobDigest digest.Digest, r io.Reader) error {
	key := fileKey(blobDigest, false)
	component, ok := path.NewComponent(key)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "Invalid blob key %#v", key)
	}

	c.lock.Lock()
	if e, ok := c.storage[key]; ok && c.verifyExistsLocked(e) {
		c.lock.Unlock()
		io.Copy(io.Discard, r)
		return nil
	}
	evicted, expiredDirectories, err := c.reserveSpaceLocked(blobDigest.GetSizeBytes())
	c.lock.Unlock()
	c.removeEvicted(evicted, expiredDirectories)
	if err != nil {
		return err
	}

	tmpName, _ := path.NewComponent(".tmp." + uuid.Must(uuid.NewRandom()).String())
	w, err := c.root.OpenWrite(tmpName, filesystem.CreateExcl(0o444))
	if err != nil {
		c.releaseReservation(blobDigest.GetSizeBytes())
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create temporary file")
	}
	generator := c.digestFunction.NewGenerator(math.MaxInt64)
	if _, err := io.Copy(io.MultiWriter(io.NewOffsetWriter(w, 0), generator), r); err != nil {
		w.Close()
		c.root.Remove(tmpName)
		c.releaseReservation(blobDigest.GetSizeBytes())
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to write blob")
	}
	if err := w.Sync(); err != nil {
		w.Close()
		c.root.Remove(tmpName)
		c.releaseReservation(blobDigest.GetSizeBytes())
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to sync blob")
	}
	if err := w.Close(); err != nil {
		c.root.Remove(tmpName)
		c.releaseReservation(blobDigest.GetSizeBytes())
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to close blob")
	}
	if uploadedDigest := generator.Sum(); uploadedDigest != blobDigest {
		c.root.Remove(tmpName)
		c.releaseReservation(blobDigest.GetSizeBytes())
		return status.Errorf(codes.InvalidArgument, "Blob was uploaded with digest %#v, while %#v was expected", uploadedDigest.String(), blobDigest.String())
	}
	if err := c.root.Rename(tmpName, c.root, component); err != nil {
		c.root.Remove(tmpName)
		c.releaseReservation(blobDigest.GetSizeBytes())
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to rename blob")
	}

	c.lock.Lock()
	if _, ok := c.storage[key]; !ok {
		e := &entry{
			key:                   key,
			digest:                blobDigest,
			isExecutable:          false,
			sizeBytes:             blobDigest.GetSizeBytes(),
			containingDirectories: map[string]struct{}{},
			existsDeadline:        c.clock.Now().Add(existsDeadlineDuration),
		}
		e.lruElement = c.lru.PushFront(e)
		c.storage[key] = e
	} else {
		c.sizeBytes -= blobDigest.GetSizeBytes()
	}
	casFileCacheSizeBytes.Set(float64(c.sizeBytes))
	c.lock.Unlock()

	if c.onPut != nil {
		c.onPut(blobDigest)
	}
	return nil
}

func (c *FileCache) releaseReservation(sizeBytes int64) {
	c.lock.Lock()
	c.sizeBytes -= sizeBytes
	c.lock.Unlock()
}

// PutDirectory materializes a directory tree under
// "<hash>_<size>_dir", taking one reference on every file it
// transitively contains. Concurrent calls for the same digest wait for
// the first materialization; an already materialized directory that
// passes on-disk verification is reused after its inputs are
// re-referenced.
func (c *FileCache) PutDirectory(ctx context.Context, directoryDigest digest.Digest, index operation.DirectoriesIndex) (path.Component, error) {
	dirKey := directoryKey(directoryDigest)
	component, ok := path.NewComponent(dirKey)
	if !ok {
		return path.Component{}, status.Errorf(codes.InvalidArgument, "Invalid directory key %#v", dirKey)
	}

	var done chan struct{}
	for {
		c.lock.Lock()
		if de, ok := c.directoryStorage[dirKey]; ok {
			if c.verifyDirectoryExistsLocked(de) {
				// Reuse: take a reference on every input.
				for _, inputKey := range de.inputs {
					if e, ok := c.storage[inputKey]; ok {
						c.incrementLocked(e, &directoryDigest)
					}
				}
				c.lock.Unlock()
				return component, nil
			}
			c.expireDirectoryLocked(dirKey, de)
			c.lock.Unlock()
			c.root.RemoveAll(component)
			continue
		}

		if wait, ok := c.materializings[dirKey]; ok {
			c.lock.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return path.Component{}, util.StatusFromContext(ctx)
			}
		}
		done = make(chan struct{})
		c.materializings[dirKey] = done
		c.lock.Unlock()
		break
	}

	inputs, err := c.materializeDirectory(ctx, component, directoryDigest, index)

	c.lock.Lock()
	delete(c.materializings, dirKey)
	if err == nil {
		c.directoryStorage[dirKey] = &directoryEntry{
			digest:         directoryDigest,
			inputs:         inputs,
			existsDeadline: c.clock.Now().Add(existsDeadlineDuration),
		}
	}
	c.lock.Unlock()
	close(done)

	if err != nil {
		// Unwind references taken by the partial materialization.
		c.DecrementReferences(inputs, nil)
		c.root.RemoveAll(component)
		return path.Component{}, err
	}
	return component, nil
}

func (c *FileCache) verifyDirectoryExistsLocked(de *directoryEntry) bool {
	now := c.clock.Now()
	if now.Before(de.existsDeadline) {
		return true
	}
	name, ok := path.NewComponent(directoryKey(de.digest))
	if !ok {
		return false
	}
	if info, err := c.root.Lstat(name); err != nil || info.Type() != filesystem.FileTypeDirectory {
		return false
	}
	de.existsDeadline = now.Add(existsDeadlineDuration)
	return true
}

func (c *FileCache) expireDirectoryLocked(dirKey string, de *directoryEntry) {
	delete(c.directoryStorage, dirKey)
	for _, inputKey := range de.inputs {
		if e, ok := c.storage[inputKey]; ok {
			delete(e.containingDirectories, dirKey)
		}
	}
}

// materializeDirectory puts every file of the tree into the cache and
// hard-links it into the materialized directory, recursing for
// subdirectories. It returns the keys of all referenced inputs, also
// on error, so that the caller can unwind.
func (c *FileCache) materializeDirectory(ctx context.Context, component path.Component, directoryDigest digest.Digest, index operation.DirectoriesIndex) (inputs []string, err error) {
	if err := c.root.Mkdir(component, 0o755); err != nil && !os.IsExist(err) {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to create directory")
	}
	target, err := c.root.EnterDirectory(component)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to enter directory")
	}
	defer target.Close()
	return c.populateDirectory(ctx, target, directoryDigest, directoryDigest, index)
}

func (c *FileCache) populateDirectory(ctx context.Context, target filesystem.Directory, containingDirectory, directoryDigest digest.Digest, index operation.DirectoriesIndex) (inputs []string, err error) {
	directory, ok := index.Lookup(directoryDigest)
	if !ok {
		return inputs, status.Errorf(codes.FailedPrecondition, "Directory %#v is absent from the directories index", directoryDigest.String())
	}
	for _, file := range directory.Files {
		name, ok := path.NewComponent(file.Name)
		if !ok {
			return inputs, status.Errorf(codes.InvalidArgument, "File %#v has an invalid name", file.Name)
		}
		fileDigest, err := c.digestFunction.NewDigestFromProto(file.Digest)
		if err != nil {
			return inputs, util.StatusWrapf(err, "Failed to extract digest for file %#v", file.Name)
		}
		cached, err := c.Put(ctx, fileDigest, file.IsExecutable, &containingDirectory)
		if err != nil {
			return inputs, util.StatusWrapf(err, "Failed to fetch file %#v", file.Name)
		}
		inputs = append(inputs, cached.String())
		if err := c.root.Link(cached, target, name); err != nil && !os.IsExist(err) {
			return inputs, util.StatusWrapfWithCode(err, codes.Internal, "Failed to link file %#v", file.Name)
		}
	}
	for _, subdirectory := range directory.Directories {
		name, ok := path.NewComponent(subdirectory.Name)
		if !ok {
			return inputs, status.Errorf(codes.InvalidArgument, "Directory %#v has an invalid name", subdirectory.Name)
		}
		subdirectoryDigest, err := c.digestFunction.NewDigestFromProto(subdirectory.Digest)
		if err != nil {
			return inputs, util.StatusWrapf(err, "Failed to extract digest for directory %#v", subdirectory.Name)
		}
		if err := target.Mkdir(name, 0o755); err != nil && !os.IsExist(err) {
			return inputs, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create directory %#v", subdirectory.Name)
		}
		child, err := target.EnterDirectory(name)
		if err != nil {
			return inputs, util.StatusWrapfWithCode(err, codes.Internal, "Failed to enter directory %#v", subdirectory.Name)
		}
		childInputs, err := c.populateDirectory(ctx, child, containingDirectory, subdirectoryDigest, index)
		child.Close()
		inputs = append(inputs, childInputs...)
		if err != nil {
			return inputs, err
		}
	}
	for _, symlink := range directory.Symlinks {
		name, ok := path.NewComponent(symlink.Name)
		if !ok {
			return inputs, status.Errorf(codes.InvalidArgument, "Symlink %#v has an invalid name", symlink.Name)
		}
		if err := target.Symlink(path.LocalFormat.NewParser(symlink.Target), name); err != nil && !os.IsExist(err) {
			return inputs, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create symlink %#v", symlink.Name)
		}
	}
	return inputs, nil
}

// DecrementReferences releases references on files and materialized
// directories. Entries reaching a zero reference count move to the
// head of the LRU list.
func (c *FileCache) DecrementReferences(fileKeys []string, directories []digest.Digest) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, key := range fileKeys {
		if e, ok := c.storage[key]; ok {
			c.decrementLocked(e)
		}
	}
	for _, directoryDigest := range directories {
		if de, ok := c.directoryStorage[directoryKey(directoryDigest)]; ok {
			for _, inputKey := range de.inputs {
				if e, ok := c.storage[inputKey]; ok {
					c.decrementLocked(e)
				}
			}
		}
	}
}

// NewInput opens a stream over a cached blob at the provided offset.
// If the backing file has disappeared, the entry is dropped and
// NOT_FOUND is returned, allowing callers to fall through to a remote
// fetch.
func (c *FileCache) NewInput(blobDigest digest.Digest, offset int64) (io.ReadCloser, error) {
	c.lock.Lock()
	var e *entry
	for _, isExecutable := range []bool{false, true} {
		if candidate, ok := c.storage[fileKey(blobDigest, isExecutable)]; ok {
			e = candidate
			break
		}
	}
	if e == nil {
		c.lock.Unlock()
		return nil, status.Errorf(codes.NotFound, "Blob %#v not found", blobDigest.String())
	}
	key := e.key
	c.lock.Unlock()

	name, ok := path.NewComponent(key)
	if !ok {
		return nil, status.Errorf(codes.Internal, "Invalid blob key %#v", key)
	}
	f, err := c.root.OpenRead(name)
	if os.IsNotExist(err) {
		c.lock.Lock()
		if e, ok := c.storage[key]; ok {
			delete(c.storage, key)
			if e.lruElement != nil {
				c.lru.Remove(e.lruElement)
			}
			c.sizeBytes -= e.sizeBytes
		}
		c.lock.Unlock()
		return nil, status.Errorf(codes.NotFound, "Blob %#v not found", blobDigest.String())
	} else if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open blob")
	}
	if offset > blobDigest.GetSizeBytes() {
		f.Close()
		return nil, status.Errorf(codes.OutOfRange, "Offset %d is past the end of blob of %d bytes", offset, blobDigest.GetSizeBytes())
	}
	return newSectionReadCloser(f, offset, blobDigest.GetSizeBytes()-offset), nil
}

// FindMissingBlobs reports the subset of digests that are not present
// in the cache.
func (c *FileCache) FindMissingBlobs(digests []digest.Digest) []digest.Digest {
	c.lock.Lock()
	defer c.lock.Unlock()
	var missing []digest.Digest
	for _, blobDigest := range digests {
		if _, ok := c.storage[fileKey(blobDigest, false)]; ok {
			continue
		}
		if _, ok := c.storage[fileKey(blobDigest, true)]; ok {
			continue
		}
		missing = append(missing, blobDigest)
	}
	return missing
}

// newSectionReadCloser returns an io.ReadCloser that reads from r at a
// given offset, but stops with EOF after n bytes.
func newSectionReadCloser(r filesystem.FileReader, off, n int64) io.ReadCloser {
	return &struct {
		io.SectionReader
		io.Closer
	}{
		SectionReader: *io.NewSectionReader(r, off, n),
		Closer:        r,
	}
}
