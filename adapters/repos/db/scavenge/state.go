//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package scavenge

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const StateFileName = "scavenge.db"

var (
	checkpointBucket = []byte("checkpoint")
	hashesBucket     = []byte("hashes")
	collisionsBucket = []byte("collisions")
	originalsBucket  = []byte("originals")
	metastreamBucket = []byte("metastreams")
	txBucket         = []byte("transactions")
	weightsBucket    = []byte("chunk_weights")
	timeRangeBucket  = []byte("chunk_time_ranges")

	checkpointKey = []byte("checkpoint")

	allBuckets = [][]byte{
		checkpointBucket, hashesBucket, collisionsBucket, originalsBucket,
		metastreamBucket, txBucket, weightsBucket, timeRangeBucket,
	}
)

// State is the durable memory of the scavenger. It outlives single passes:
// a new pass only accumulates the log written since the previous one.
type State struct {
	db *bolt.DB
}

func OpenState(path string) (*State, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open scavenge state %q", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init scavenge state")
	}
	return &State{db: db}, nil
}

func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) View(fn func(*StateTx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&StateTx{tx: tx})
	})
}

func (s *State) Update(fn func(*StateTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&StateTx{tx: tx})
	})
}

func (s *State) Checkpoint() (cp Checkpoint, ok bool, err error) {
	err = s.View(func(tx *StateTx) error {
		cp, ok, err = tx.Checkpoint()
		return err
	})
	return cp, ok, err
}

type StateTx struct {
	tx *bolt.Tx
}

func int64Key(n int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n))
}

func int32Key(n int32) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(n))
}

func (t *StateTx) get(bucket, key []byte, v any) (bool, error) {
	raw := t.tx.Bucket(bucket).Get(key)
	if raw == nil {
		return false, nil
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return false, errors.Wrapf(err, "decode %s/%x", bucket, key)
	}
	return true, nil
}

func (t *StateTx) put(bucket, key []byte, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s/%x", bucket, key)
	}
	return t.tx.Bucket(bucket).Put(key, raw)
}

func (t *StateTx) Checkpoint() (Checkpoint, bool, error) {
	var cp Checkpoint
	ok, err := t.get(checkpointBucket, checkpointKey, &cp)
	return cp, ok, err
}

func (t *StateTx) SetCheckpoint(cp Checkpoint) error {
	return t.put(checkpointBucket, checkpointKey, cp)
}

func (t *StateTx) StreamForHash(hash uint64) (string, bool) {
	v := t.tx.Bucket(hashesBucket).Get(binary.BigEndian.AppendUint64(nil, hash))
	if v == nil {
		return "", false
	}
	return string(v), true
}

// NoteStream remembers the first stream seen per hash and marks both names
// as colliding when a second one shows up.
func (t *StateTx) NoteStream(hash uint64, stream string) error {
	key := binary.BigEndian.AppendUint64(nil, hash)
	existing := t.tx.Bucket(hashesBucket).Get(key)
	if existing == nil {
		return t.tx.Bucket(hashesBucket).Put(key, []byte(stream))
	}
	if string(existing) == stream {
		return nil
	}

	collisions := t.tx.Bucket(collisionsBucket)
	if err := collisions.Put(append([]byte(nil), existing...), []byte{}); err != nil {
		return err
	}
	return collisions.Put([]byte(stream), []byte{})
}

func (t *StateTx) IsCollision(stream string) bool {
	return t.tx.Bucket(collisionsBucket).Get([]byte(stream)) != nil
}

func (t *StateTx) Collisions() []string {
	var out []string
	t.tx.Bucket(collisionsBucket).ForEach(func(k, _ []byte) error {
		out = append(out, string(k))
		return nil
	})
	return out
}

func (t *StateTx) OriginalStream(stream string) (OriginalStreamData, bool, error) {
	var d OriginalStreamData
	ok, err := t.get(originalsBucket, []byte(stream), &d)
	return d, ok, err
}

func (t *StateTx) SetOriginalStream(stream string, d OriginalStreamData) error {
	return t.put(originalsBucket, []byte(stream), d)
}

func (t *StateTx) Metastream(original string) (MetastreamData, bool, error) {
	var d MetastreamData
	ok, err := t.get(metastreamBucket, []byte(original), &d)
	return d, ok, err
}

func (t *StateTx) SetMetastream(original string, d MetastreamData) error {
	return t.put(metastreamBucket, []byte(original), d)
}

// streamsAfter returns up to limit stream names of bucket that sort after
// after.
func (t *StateTx) streamsAfter(bucket []byte, after string, limit int) []string {
	c := t.tx.Bucket(bucket).Cursor()

	var k []byte
	if after == "" {
		k, _ = c.First()
	} else {
		k, _ = c.Seek([]byte(after))
		if k != nil && string(k) == after {
			k, _ = c.Next()
		}
	}

	var out []string
	for ; k != nil && len(out) < limit; k, _ = c.Next() {
		out = append(out, string(k))
	}
	return out
}

func (t *StateTx) Transaction(position int64) (TransactionData, bool, error) {
	var d TransactionData
	ok, err := t.get(txBucket, int64Key(position), &d)
	return d, ok, err
}

func (t *StateTx) SetTransaction(position int64, d TransactionData) error {
	return t.put(txBucket, int64Key(position), d)
}

func (t *StateTx) ChunkWeight(chunk int32) int64 {
	v := t.tx.Bucket(weightsBucket).Get(int32Key(chunk))
	if v == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func (t *StateTx) AddChunkWeight(chunk int32, weight int64) error {
	w := t.ChunkWeight(chunk) + weight
	return t.tx.Bucket(weightsBucket).Put(int32Key(chunk), int64Key(w))
}

func (t *StateTx) ResetChunkWeights() error {
	if err := t.tx.DeleteBucket(weightsBucket); err != nil {
		return errors.Wrap(err, "drop chunk weights")
	}
	_, err := t.tx.CreateBucket(weightsBucket)
	return errors.Wrap(err, "create chunk weights")
}

func (t *StateTx) ChunkTimeRange(chunk int32) (TimeRange, bool, error) {
	var r TimeRange
	ok, err := t.get(timeRangeBucket, int32Key(chunk), &r)
	return r, ok, err
}

func (t *StateTx) ExtendChunkTimeRange(chunk int32, ts time.Time) error {
	r, ok, err := t.ChunkTimeRange(chunk)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		r = TimeRange{Min: ts, Max: ts}
	case ts.Before(r.Min):
		r.Min = ts
	case ts.After(r.Max):
		r.Max = ts
	default:
		return nil
	}
	return t.put(timeRangeBucket, int32Key(chunk), r)
}
