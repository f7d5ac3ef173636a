package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/plaenen/atelier/pkg/codec"
	"github.com/plaenen/atelier/pkg/domain"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"
)

const (
	snapshotSuffix = ".snap"
	contentType    = "application/x-atelier-snapshot"
)

// BlobStore keeps snapshots as objects in a gocloud.dev bucket, one object
// per snapshot, keyed by zero-padded AsOf so that lexical order is numeric
// order.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
}

var _ Store = (*BlobStore)(nil)

// BlobOption configures a BlobStore.
type BlobOption func(*BlobStore)

// WithPrefix stores snapshots under prefix inside the bucket.
func WithPrefix(prefix string) BlobOption {
	return func(s *BlobStore) {
		s.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// NewBlobStore wraps an open bucket. The caller keeps ownership of bucket.
func NewBlobStore(bucket *blob.Bucket, opts ...BlobOption) *BlobStore {
	s := &BlobStore{bucket: bucket, prefix: "snapshots"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenBlobStore opens the bucket at url, for example
// "file:///var/lib/atelier/snapshots?create_dir=true" or "mem://".
// Close releases the bucket.
func OpenBlobStore(ctx context.Context, url string, opts ...BlobOption) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot bucket: %w", err)
	}
	s := NewBlobStore(bucket, opts...)
	s.owned = true
	return s, nil
}

func (s *BlobStore) key(asOf uint64) string {
	name := fmt.Sprintf("%020d%s", asOf, snapshotSuffix)
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *BlobStore) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

// Save implements Store.
func (s *BlobStore) Save(ctx context.Context, state domain.State) error {
	data := codec.EncodeSnapshot(state)
	err := s.bucket.WriteAll(ctx, s.key(state.AsOf), data, &blob.WriterOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"as_of":    strconv.FormatUint(state.AsOf, 10),
			"products": strconv.Itoa(len(state.Products)),
			"orders":   strconv.Itoa(len(state.Orders)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot %d: %w", state.AsOf, err)
	}
	return nil
}

// Latest implements Store.
func (s *BlobStore) Latest(ctx context.Context) (domain.State, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return domain.State{}, err
	}
	if len(infos) == 0 {
		return domain.State{}, ErrNotFound
	}

	data, err := s.bucket.ReadAll(ctx, s.key(infos[0].AsOf))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return domain.State{}, ErrNotFound
		}
		return domain.State{}, fmt.Errorf("failed to read snapshot %d: %w", infos[0].AsOf, err)
	}
	state, err := codec.DecodeSnapshot(data)
	if err != nil {
		return domain.State{}, fmt.Errorf("snapshot %d: %w", infos[0].AsOf, err)
	}
	if state.AsOf != infos[0].AsOf {
		return domain.State{}, fmt.Errorf("%w: snapshot key %d holds state as of %d",
			domain.ErrCorruption, infos[0].AsOf, state.AsOf)
	}
	return state, nil
}

// List implements Store.
func (s *BlobStore) List(ctx context.Context) ([]Info, error) {
	prefix := s.listPrefix()
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	var infos []Info
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}
		if obj.IsDir {
			continue
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		asOf, err := strconv.ParseUint(strings.TrimSuffix(name, snapshotSuffix), 10, 64)
		if err != nil {
			continue
		}
		infos = append(infos, Info{AsOf: asOf, TakenAt: obj.ModTime.UTC(), Size: obj.Size})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].AsOf > infos[j].AsOf })
	return infos, nil
}

// Prune implements Store.
func (s *BlobStore) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	infos, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) <= keep {
		return nil
	}
	for _, info := range infos[keep:] {
		if err := s.bucket.Delete(ctx, s.key(info.AsOf)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("failed to delete snapshot %d: %w", info.AsOf, err)
		}
	}
	return nil
}

// Close releases the bucket if the store opened it.
func (s *BlobStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}
