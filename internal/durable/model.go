package durable

import "encoding/json"

// DocumentRecord is the persisted form of a Document.
type DocumentRecord struct {
	Collection       string `gorm:"column:collection;primaryKey;size:190;not null;index:idx_documents_order,priority:1"`
	DocumentID       string `gorm:"column:doc_id;primaryKey;size:190;not null;index:idx_documents_order,priority:3"`
	OrderKey         int64  `gorm:"column:order_key;not null;index:idx_documents_order,priority:2"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "canvas_documents"
}

func (r DocumentRecord) document() Document {
	return Document{
		ID:       r.DocumentID,
		OrderKey: r.OrderKey,
		Payload:  json.RawMessage(r.PayloadJSON),
	}
}
