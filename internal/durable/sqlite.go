package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("durable: database handle is required")

// StoreConfig describes the dependencies of a DocumentStore.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// DocumentStore hosts any number of named collections in one gorm database and
// notifies in-process subscribers after every committed mutation.
type DocumentStore struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	dispatcher *dispatcher

	// commitMu serializes mutate-then-publish so that subscribers see snapshots in
	// commit order.
	commitMu sync.Mutex
}

// NewDocumentStore validates the configuration.
func NewDocumentStore(cfg StoreConfig) (*DocumentStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		dispatcher: newDispatcher(),
	}, nil
}

// Collection returns the named collection, e.g. "canvases/dev/shapes".
func (s *DocumentStore) Collection(name string) (*SQLiteCollection, error) {
	validated, err := validateCollectionName(name)
	if err != nil {
		return nil, err
	}
	return &SQLiteCollection{store: s, name: validated}, nil
}

// SQLiteCollection implements Collection on top of a DocumentStore.
type SQLiteCollection struct {
	store *DocumentStore
	name  string
}

var _ Collection = (*SQLiteCollection)(nil)

// Name reports the collection name.
func (c *SQLiteCollection) Name() string { return c.name }

// Set creates or replaces a document.
func (c *SQLiteCollection) Set(ctx context.Context, document Document) error {
	id, err := ValidateDocumentID(document.ID)
	if err != nil {
		return err
	}
	if _, err := validatePayload(document.Payload); err != nil {
		return err
	}
	record := DocumentRecord{
		Collection:       c.name,
		DocumentID:       id,
		OrderKey:         document.OrderKey,
		PayloadJSON:      string(document.Payload),
		UpdatedAtSeconds: c.store.clock().UTC().Unix(),
	}
	return c.commit(ctx, "set", func(tx *gorm.DB) error {
		return tx.Save(&record).Error
	})
}

// Update merges fields into the stored payload. Missing documents yield
// ErrDocumentNotFound.
func (c *SQLiteCollection) Update(ctx context.Context, id string, fields map[string]any) error {
	validated, err := ValidateDocumentID(id)
	if err != nil {
		return err
	}
	return c.commit(ctx, "update", func(tx *gorm.DB) error {
		var record DocumentRecord
		err := tx.Where("collection = ? AND doc_id = ?", c.name, validated).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, validated)
		}
		if err != nil {
			return err
		}
		payload, err := validatePayload(json.RawMessage(record.PayloadJSON))
		if err != nil {
			return err
		}
		for key, value := range fields {
			payload[key] = value
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return tx.Model(&DocumentRecord{}).
			Where("collection = ? AND doc_id = ?", c.name, validated).
			Updates(map[string]any{
				"payload_json": string(encoded),
				"updated_at_s": c.store.clock().UTC().Unix(),
			}).Error
	})
}

// Delete removes one document. Missing documents yield ErrDocumentNotFound.
func (c *SQLiteCollection) Delete(ctx context.Context, id string) error {
	validated, err := ValidateDocumentID(id)
	if err != nil {
		return err
	}
	return c.commit(ctx, "delete", func(tx *gorm.DB) error {
		result := tx.Where("collection = ? AND doc_id = ?", c.name, validated).Delete(&DocumentRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, validated)
		}
		return nil
	})
}

// BatchDelete removes the listed documents in one transaction; ids that are already
// gone are ignored.
func (c *SQLiteCollection) BatchDelete(ctx context.Context, ids []string) error {
	validated := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed, err := ValidateDocumentID(id)
		if err != nil {
			return err
		}
		validated = append(validated, trimmed)
	}
	if len(validated) == 0 {
		return nil
	}
	return c.commit(ctx, "batch_delete", func(tx *gorm.DB) error {
		return tx.Where("collection = ? AND doc_id IN ?", c.name, validated).Delete(&DocumentRecord{}).Error
	})
}

// List returns the documents ordered by OrderKey then ID.
func (c *SQLiteCollection) List(ctx context.Context) ([]Document, error) {
	return c.list(c.store.db.WithContext(ctx))
}

// Subscribe delivers the current ordered document set and every committed one after
// it. Delivery happens on a dedicated goroutine; snapshots superseded before the
// handler picks them up are skipped. The subscription ends when cancel is called or
// ctx is done.
func (c *SQLiteCollection) Subscribe(ctx context.Context, handler func([]Document)) (func(), error) {
	if handler == nil {
		return nil, errors.New("durable: subscription handler is required")
	}
	c.store.commitMu.Lock()
	initial, err := c.list(c.store.db.WithContext(ctx))
	if err != nil {
		c.store.commitMu.Unlock()
		return nil, err
	}
	subscriber := c.store.dispatcher.subscribe(c.name, handler)
	subscriber.offer(initial)
	c.store.commitMu.Unlock()

	cancel := func() {
		c.store.dispatcher.unsubscribe(c.name, subscriber.id)
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-subscriber.done:
		}
	}()
	return cancel, nil
}

func (c *SQLiteCollection) list(db *gorm.DB) ([]Document, error) {
	var records []DocumentRecord
	if err := db.
		Where("collection = ?", c.name).
		Order("order_key ASC").
		Order("doc_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	documents := make([]Document, 0, len(records))
	for _, record := range records {
		documents = append(documents, record.document())
	}
	return documents, nil
}

func (c *SQLiteCollection) commit(ctx context.Context, operation string, mutate func(tx *gorm.DB) error) error {
	c.store.commitMu.Lock()
	defer c.store.commitMu.Unlock()

	if err := c.store.db.WithContext(ctx).Transaction(mutate); err != nil {
		if !errors.Is(err, ErrDocumentNotFound) {
			c.store.logger.Error("durable commit failed",
				zap.String("operation", operation),
				zap.String("collection", c.name),
				zap.Error(err))
		}
		return err
	}

	documents, err := c.list(c.store.db.WithContext(context.WithoutCancel(ctx)))
	if err != nil {
		c.store.logger.Error("durable snapshot read failed",
			zap.String("operation", operation),
			zap.String("collection", c.name),
			zap.Error(err))
		return nil
	}
	c.store.dispatcher.publish(c.name, documents)
	return nil
}
