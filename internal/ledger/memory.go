package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// MemoryStore keeps the ledger in process memory. Documents are copied on
// the way in and out so callers never share backing arrays with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[domain.RecordType]map[string]Document
	batches []domain.SyncBatch
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[domain.RecordType]map[string]Document),
	}
}

func (s *MemoryStore) Get(ctx context.Context, rt domain.RecordType, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.records[rt.Collection()][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyDocument(doc)
	return &out, nil
}

func (s *MemoryStore) Put(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc.ID == "" {
		return fmt.Errorf("MemoryStore.Put: empty id for %s", doc.Type)
	}
	doc.Type = doc.Type.Collection()

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.records[doc.Type]
	if !ok {
		coll = make(map[string]Document)
		s.records[doc.Type] = coll
	}
	coll[doc.ID] = copyDocument(doc)
	return nil
}

func (s *MemoryStore) QueryByAccount(ctx context.Context, key domain.AccountKey) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Document
	for _, rt := range []domain.RecordType{domain.RecordAccount, domain.RecordTransaction, domain.RecordDebt} {
		for _, doc := range sortedDocs(s.records[rt]) {
			if SameAccount(doc.Account, key) {
				out = append(out, copyDocument(doc))
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, rt domain.RecordType) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := sortedDocs(s.records[rt.Collection()])
	for i := range docs {
		docs[i] = copyDocument(docs[i])
	}
	return docs, nil
}

func (s *MemoryStore) AppendBatch(ctx context.Context, batch domain.SyncBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if b.BatchID == batch.BatchID {
			return ErrBatchExists
		}
	}
	s.batches = append(s.batches, copyBatch(batch))
	return nil
}

// ListBatches returns the most recent batches first. A limit of zero or less
// returns all of them.
func (s *MemoryStore) ListBatches(ctx context.Context, limit int) ([]domain.SyncBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.batches)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.SyncBatch, 0, n)
	for i := len(s.batches) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, copyBatch(s.batches[i]))
	}
	return out, nil
}

func sortedDocs(coll map[string]Document) []Document {
	docs := make([]Document, 0, len(coll))
	for _, d := range coll {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func copyDocument(d Document) Document {
	d.Body = append([]byte(nil), d.Body...)
	return d
}

func copyBatch(b domain.SyncBatch) domain.SyncBatch {
	if b.RecordCounts != nil {
		counts := make(map[domain.RecordType]int, len(b.RecordCounts))
		for k, v := range b.RecordCounts {
			counts[k] = v
		}
		b.RecordCounts = counts
	}
	return b
}
