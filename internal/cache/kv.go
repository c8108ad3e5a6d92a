package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"bus-tracker/internal/route"
)

const kvKeyPrefix = "route.geometry."

// KVStore keeps geometry in a NATS JetStream key-value bucket. A KV put
// replaces the whole value, so readers never see a mix of two writes.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore creates (or updates) the bucket and returns a store over it.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*KVStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "derived route geometry",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

// KVKeyFor maps a route key onto the KV key space, which does not allow ':'.
// The route id is base64url encoded so any id round-trips.
func KVKeyFor(k route.Key) string {
	return kvKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(k.RouteID)) + "." + string(k.Direction)
}

func parseKVKey(s string) (route.Key, error) {
	rest, ok := strings.CutPrefix(s, kvKeyPrefix)
	if !ok {
		return route.Key{}, fmt.Errorf("not a route geometry kv key: %q", s)
	}
	enc, dirStr, ok := strings.Cut(rest, ".")
	if !ok {
		return route.Key{}, fmt.Errorf("malformed route geometry kv key: %q", s)
	}
	id, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return route.Key{}, fmt.Errorf("malformed route id in kv key %q: %w", s, err)
	}
	dir, err := route.ParseDirection(dirStr)
	if err != nil {
		return route.Key{}, err
	}
	return route.Key{RouteID: string(id), Direction: dir}, nil
}

func (s *KVStore) Put(ctx context.Context, key route.Key, g route.Geometry) error {
	if key.RouteID == "" {
		return fmt.Errorf("put geometry: empty route id")
	}
	b, err := encode(g)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, KVKeyFor(key), b); err != nil {
		return fmt.Errorf("put %s: %w", KeyFor(key), err)
	}
	return nil
}

// PutIfAbsent uses KV create, which fails when a live value already exists.
func (s *KVStore) PutIfAbsent(ctx context.Context, key route.Key, g route.Geometry) (bool, error) {
	if key.RouteID == "" {
		return false, fmt.Errorf("put geometry: empty route id")
	}
	b, err := encode(g)
	if err != nil {
		return false, err
	}
	if _, err := s.kv.Create(ctx, KVKeyFor(key), b); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", KeyFor(key), err)
	}
	return true, nil
}

func (s *KVStore) GetRaw(ctx context.Context, key route.Key) ([]byte, error) {
	entry, err := s.kv.Get(ctx, KVKeyFor(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("get %s: %w", KeyFor(key), err)
	}
	return entry.Value(), nil
}

func (s *KVStore) Get(ctx context.Context, key route.Key) (route.Geometry, error) {
	b, err := s.GetRaw(ctx, key)
	if err != nil {
		return route.Geometry{}, err
	}
	return decode(b)
}

func (s *KVStore) Delete(ctx context.Context, key route.Key) error {
	err := s.kv.Delete(ctx, KVKeyFor(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", KeyFor(key), err)
	}
	return nil
}

func (s *KVStore) Keys(ctx context.Context) ([]route.Key, error) {
	names, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list kv keys: %w", err)
	}
	keys := make([]route.Key, 0, len(names))
	for _, n := range names {
		k, err := parseKVKey(n)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
