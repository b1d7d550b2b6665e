package partition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/viewledger/platform/pkg/common/models"
)

// Key layout:
//
//	rec/<log>/<day>/<videoId>  -> JSON record
//	rid/<log>/<recordId>       -> record key
const (
	recordKeyPrefix = "rec/"
	idKeyPrefix     = "rid/"
	maxTxnRetries   = 5
)

// BadgerStore keeps one log in an embedded Badger database. Day keys sort
// lexically, so a partition is a key-prefix scan and "before cutoff" is a bounded
// forward scan.
type BadgerStore struct {
	db  *badger.DB
	log string
}

func NewBadgerStore(db *badger.DB, log string) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

func (s *BadgerStore) Log() string { return s.log }

func (s *BadgerStore) logPrefix() []byte {
	return []byte(recordKeyPrefix + s.log + "/")
}

func (s *BadgerStore) dayPrefix(day string) []byte {
	return []byte(recordKeyPrefix + s.log + "/" + day + "/")
}

func (s *BadgerStore) recordKey(day, videoID string) []byte {
	return []byte(recordKeyPrefix + s.log + "/" + day + "/" + videoID)
}

func (s *BadgerStore) idKey(id string) []byte {
	return []byte(idKeyPrefix + s.log + "/" + id)
}

func (s *BadgerStore) Apply(ctx context.Context, batch []models.Record, merge MergeFunc) ([]Outcome, error) {
	ordered := sortedBatch(batch)

	var outcomes []Outcome
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &models.StoreError{Op: "apply", Err: err}
		}
		outcomes = outcomes[:0]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, rec := range ordered {
				if err := ctx.Err(); err != nil {
					return err
				}
				key := s.recordKey(rec.DayKeyLocal, rec.VideoID)
				existing, found, err := s.read(txn, key)
				if err != nil {
					return err
				}

				var merged models.Record
				var changed bool
				kind := OutcomeInserted
				if found {
					merged, changed = merge(&existing, rec)
					kind = OutcomeUpdated
					if !changed {
						kind = OutcomeUnchanged
					}
				} else {
					merged, changed = merge(nil, rec)
				}
				if changed {
					if err := s.write(txn, key, merged); err != nil {
						return err
					}
				}
				outcomes = append(outcomes, Outcome{Key: rec.Key(), Kind: kind, Record: merged})
			}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if errors.Is(err, badger.ErrTxnTooBig) {
			return nil, fmt.Errorf("%w: %d records in one badger transaction", ErrBatchTooLarge, len(batch))
		}
		if err != nil {
			return nil, &models.StoreError{Op: "apply", Err: err}
		}
		return outcomes, nil
	}
	return nil, &models.StoreError{Op: "apply", Err: badger.ErrConflict}
}

func (s *BadgerStore) read(txn *badger.Txn, key []byte) (models.Record, bool, error) {
	var rec models.Record
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *BadgerStore) write(txn *badger.Txn, key []byte, rec models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return err
	}
	return txn.Set(s.idKey(rec.ID), key)
}

func (s *BadgerStore) GetDays(ctx context.Context, days []string) ([]models.Record, error) {
	var out []models.Record
	err := s.db.View(func(txn *badger.Txn) error {
		for _, day := range distinct(days) {
			err := s.scan(ctx, txn, s.dayPrefix(day), func(_ []byte, rec models.Record) (bool, error) {
				out = append(out, rec)
				return true, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &models.StoreError{Op: "get days", Err: err}
	}
	return out, nil
}

func (s *BadgerStore) ChangedSince(ctx context.Context, since time.Time) ([]models.Record, error) {
	var out []models.Record
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(ctx, txn, s.logPrefix(), func(_ []byte, rec models.Record) (bool, error) {
			if rec.UpdatedAt.After(since) {
				out = append(out, rec)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, &models.StoreError{Op: "changed since", Err: err}
	}
	return out, nil
}

func (s *BadgerStore) HasChangesSince(ctx context.Context, since time.Time) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(ctx, txn, s.logPrefix(), func(_ []byte, rec models.Record) (bool, error) {
			found = rec.UpdatedAt.After(since)
			return !found, nil
		})
	})
	if err != nil {
		return false, &models.StoreError{Op: "has changes", Err: err}
	}
	return found, nil
}

func (s *BadgerStore) DeleteBefore(ctx context.Context, cutoffDay string) (int64, error) {
	prefix := s.logPrefix()
	var doomed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			day, videoID, ok := s.splitKey(key)
			if !ok {
				continue
			}
			if day >= cutoffDay {
				break
			}
			doomed = append(doomed, key, s.idKey(models.RecordID(videoID, day)))
		}
		return nil
	})
	if err != nil {
		return 0, &models.StoreError{Op: "delete before", Err: err}
	}
	if err := s.deleteKeys(doomed); err != nil {
		return 0, &models.StoreError{Op: "delete before", Err: err}
	}
	return int64(len(doomed) / 2), nil
}

func (s *BadgerStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	var doomed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range distinct(ids) {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := txn.Get(s.idKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			recKey, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if _, err := txn.Get(recKey); errors.Is(err, badger.ErrKeyNotFound) {
				continue
			} else if err != nil {
				return err
			}
			doomed = append(doomed, recKey, s.idKey(id))
		}
		return nil
	})
	if err != nil {
		return 0, &models.StoreError{Op: "delete by ids", Err: err}
	}
	if err := s.deleteKeys(doomed); err != nil {
		return 0, &models.StoreError{Op: "delete by ids", Err: err}
	}
	return int64(len(doomed) / 2), nil
}

func (s *BadgerStore) Put(ctx context.Context, records []models.Record) error {
	if err := ctx.Err(); err != nil {
		return &models.StoreError{Op: "put", Err: err}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			if rec.ID == "" {
				rec.ID = models.RecordID(rec.VideoID, rec.DayKeyLocal)
			}
			if err := s.write(txn, s.recordKey(rec.DayKeyLocal, rec.VideoID), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &models.StoreError{Op: "put", Err: err}
	}
	return nil
}

// deleteKeys uses a write batch; retention deletes are not required to be atomic.
func (s *BadgerStore) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) scan(ctx context.Context, txn *badger.Txn, prefix []byte, fn func(key []byte, rec models.Record) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := it.Item()
		var rec models.Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("decode %s: %w", item.Key(), err)
		}
		more, err := fn(item.Key(), rec)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (s *BadgerStore) splitKey(key []byte) (day, videoID string, ok bool) {
	rest := bytes.TrimPrefix(key, s.logPrefix())
	parts := strings.SplitN(string(rest), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
