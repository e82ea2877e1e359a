package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/storage"
)

const (
	defaultPrefix      = "lending"
	defaultMaxAttempts = 32

	operationCAS = "redisstore_compare_and_set"

	logMsgScriptLoaded   = "redisstore: compare-and-set script loaded"
	logMsgScriptReloaded = "redisstore: script cache flushed, reloading"
	logMsgCASLost        = "redisstore: compare-and-set lost, re-evaluating batch"
	logMsgCASExhausted   = "redisstore: compare-and-set attempts exhausted"

	logAttrTable     = "table"
	logAttrPartition = "partition"
	logAttrAttempt   = "attempt"
	logAttrSHA       = "sha"
)

//go:embed scripts/compare_and_set.lua
var compareAndSetLua string

var ErrNilClient = errors.New("redis client must not be nil")

// Store is a storage.Store backed by Redis.
type Store struct {
	client           redis.UniversalClient
	prefix           string
	maxAttempts      int
	logger           lending.Logger
	metricsCollector lending.MetricsCollector

	mu     sync.RWMutex
	casSHA string
}

// New creates a Store on client. Call LoadScripts before the first conditional write,
// or let the first one load the script lazily.
func New(client redis.UniversalClient, options ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	s := &Store{
		client:      client,
		prefix:      defaultPrefix,
		maxAttempts: defaultMaxAttempts,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// LoadScripts preloads the compare-and-set script so that batches only ship its SHA1.
func (s *Store) LoadScripts(ctx context.Context) error {
	sha, err := s.client.ScriptLoad(ctx, compareAndSetLua).Result()
	if err != nil {
		return errors.Join(storage.ErrStoreFailure, err)
	}

	s.mu.Lock()
	s.casSHA = sha
	s.mu.Unlock()

	s.logInfo(logMsgScriptLoaded, logAttrSHA, sha)

	return nil
}

func (s *Store) partitionKey(table, partition string) string {
	return s.prefix + ":row:" + table + ":" + partition
}

func (s *Store) ageKey(table string) string {
	return s.prefix + ":age:" + table
}

// Read implements storage.Store.
func (s *Store) Read(ctx context.Context, key storage.Key) (storage.Row, error) {
	if err := key.Validate(); err != nil {
		return storage.Row{}, err
	}

	raw, err := s.client.HGet(ctx, s.partitionKey(key.Table, key.Partition), key.Clustering).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Row{}, storage.ErrRowNotFound
	}
	if err != nil {
		return storage.Row{}, errors.Join(storage.ErrStoreFailure, err)
	}

	row, err := decodeRow(key, raw)
	if err != nil {
		return storage.Row{}, errors.Join(storage.ErrStoreFailure, err)
	}

	return row, nil
}

// ReadPartition implements storage.Store.
func (s *Store) ReadPartition(ctx context.Context, table, partition string) ([]storage.Row, error) {
	if err := storage.StaticKey(table, partition).Validate(); err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, s.partitionKey(table, partition)).Result()
	if err != nil {
		return nil, errors.Join(storage.ErrStoreFailure, err)
	}

	rows := make([]storage.Row, 0, len(fields))
	for clustering, raw := range fields {
		row, decodeErr := decodeRow(storage.Key{Table: table, Partition: partition, Clustering: clustering}, raw)
		if decodeErr != nil {
			return nil, errors.Join(storage.ErrStoreFailure, decodeErr)
		}

		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key.Clustering < rows[j].Key.Clustering
	})

	return rows, nil
}

// Write implements storage.Store.
func (s *Store) Write(ctx context.Context, key storage.Key, values storage.Values, age time.Time) error {
	if err := key.Validate(); err != nil {
		return err
	}

	normalized, err := storage.Normalize(values)
	if err != nil {
		return err
	}

	_, _, err = s.applyBatch(ctx, storage.Batch{
		Table:     key.Table,
		Partition: key.Partition,
		Mutations: []storage.Mutation{{Clustering: key.Clustering, Set: normalized, Age: age}},
	})

	return err
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key storage.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.partitionKey(key.Table, key.Partition), key.Clustering)
		pipe.ZRem(ctx, s.ageKey(key.Table), ageMember(key.Partition, key.Clustering))
		return nil
	})
	if err != nil {
		return errors.Join(storage.ErrStoreFailure, err)
	}

	return nil
}

// ConditionalWrite implements storage.Store.
func (s *Store) ConditionalWrite(ctx context.Context, batch storage.Batch) (bool, []storage.Row, error) {
	if err := batch.Validate(); err != nil {
		return false, nil, err
	}

	normalized, err := batch.Normalized()
	if err != nil {
		return false, nil, err
	}

	return s.applyBatch(ctx, normalized)
}

// ScanOlderThan implements storage.Store.
func (s *Store) ScanOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) ([]storage.Row, error) {
	if table == "" {
		return nil, storage.ErrEmptyTable
	}

	if limit <= 0 {
		return nil, storage.ErrInvalidLimit
	}

	members, err := s.client.ZRangeByScore(ctx, s.ageKey(table), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMicro(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Join(storage.ErrStoreFailure, err)
	}

	rows := make([]storage.Row, 0, len(members))
	for _, member := range members {
		partition, clustering, ok := splitAgeMember(member)
		if !ok {
			continue
		}

		row, readErr := s.Read(ctx, storage.Key{Table: table, Partition: partition, Clustering: clustering})
		if errors.Is(readErr, storage.ErrRowNotFound) {
			continue
		}
		if readErr != nil {
			return nil, readErr
		}

		if !row.Age.IsZero() && row.Age.Before(cutoff) {
			rows = append(rows, row)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Age.Before(rows[j].Age)
	})

	return rows, nil
}

// applyBatch evaluates a normalized batch against a snapshot and commits it with compare-and-set,
// re-evaluating whenever another writer touched a referenced field in between.
func (s *Store) applyBatch(ctx context.Context, batch storage.Batch) (bool, []storage.Row, error) {
	hashKey := s.partitionKey(batch.Table, batch.Partition)
	fields := batch.ReferencedRows()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		raws, err := s.client.HMGet(ctx, hashKey, fields...).Result()
		if err != nil {
			return false, nil, errors.Join(storage.ErrStoreFailure, err)
		}

		payload := casPayload{Expect: make([]casExpect, 0, len(fields)), Writes: make([]casWrite, 0, len(batch.Mutations))}
		existing := make(map[string]storage.Row, len(fields))

		for i, field := range fields {
			raw, present := raws[i].(string)
			payload.Expect = append(payload.Expect, casExpect{Field: field, Present: present, Raw: raw})

			if !present {
				continue
			}

			row, decodeErr := decodeRow(storage.Key{Table: batch.Table, Partition: batch.Partition, Clustering: field}, raw)
			if decodeErr != nil {
				return false, nil, errors.Join(storage.ErrStoreFailure, decodeErr)
			}
			existing[field] = row
		}

		if !batch.AllHold(existing) {
			var current []storage.Row
			for _, field := range fields {
				if row, ok := existing[field]; ok {
					current = append(current, row)
				}
			}

			return false, current, nil
		}

		for _, mutation := range batch.Mutations {
			key := storage.Key{Table: batch.Table, Partition: batch.Partition, Clustering: mutation.Clustering}
			row, exists := existing[mutation.Clustering]
			next, keep := mutation.Apply(key, row, exists)
			member := ageMember(batch.Partition, mutation.Clustering)

			if !keep {
				delete(existing, mutation.Clustering)
				payload.Writes = append(payload.Writes, casWrite{Field: mutation.Clustering, Delete: true, Member: member})
				continue
			}

			raw, encodeErr := encodeRow(next)
			if encodeErr != nil {
				return false, nil, errors.Join(storage.ErrUnsupportedValue, encodeErr)
			}

			existing[mutation.Clustering] = next
			payload.Writes = append(payload.Writes, casWrite{
				Field:  mutation.Clustering,
				Raw:    raw,
				Member: member,
				Score:  ageScore(next.Age),
			})
		}

		applied, casErr := s.compareAndSet(ctx, hashKey, s.ageKey(batch.Table), payload)
		if casErr != nil {
			return false, nil, casErr
		}

		if applied {
			return true, nil, nil
		}

		s.recordConflict(batch.Table)
		s.logDebug(logMsgCASLost, logAttrTable, batch.Table, logAttrPartition, batch.Partition, logAttrAttempt, attempt)
	}

	s.logWarn(logMsgCASExhausted, logAttrTable, batch.Table, logAttrPartition, batch.Partition)

	return false, nil, storage.ErrContention
}

func (s *Store) compareAndSet(ctx context.Context, hashKey, ageKey string, payload casPayload) (bool, error) {
	encoded, err := wire.MarshalToString(payload)
	if err != nil {
		return false, errors.Join(storage.ErrStoreFailure, err)
	}

	sha, err := s.scriptSHA(ctx)
	if err != nil {
		return false, err
	}

	result, err := s.client.EvalSha(ctx, sha, []string{hashKey, ageKey}, encoded).Int()
	if redis.HasErrorPrefix(err, "NOSCRIPT") {
		s.logWarn(logMsgScriptReloaded)

		if loadErr := s.LoadScripts(ctx); loadErr != nil {
			return false, loadErr
		}

		sha, _ = s.scriptSHA(ctx)
		result, err = s.client.EvalSha(ctx, sha, []string{hashKey, ageKey}, encoded).Int()
	}

	if redis.HasErrorPrefix(err, "BUSY") {
		return false, errors.Join(storage.ErrContention, err)
	}
	if err != nil {
		return false, errors.Join(storage.ErrStoreFailure, err)
	}

	return result == 1, nil
}

func (s *Store) scriptSHA(ctx context.Context) (string, error) {
	s.mu.RLock()
	sha := s.casSHA
	s.mu.RUnlock()

	if sha != "" {
		return sha, nil
	}

	if err := s.LoadScripts(ctx); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.casSHA, nil
}

func (s *Store) recordConflict(table string) {
	if s.metricsCollector == nil {
		return
	}

	s.metricsCollector.IncrementCounter(lending.MetricStorageConflicts, map[string]string{
		lending.LabelOperation: operationCAS,
		lending.LabelTable:     table,
	})
}

func (s *Store) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Store) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Store) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

var _ storage.Store = (*Store)(nil)
