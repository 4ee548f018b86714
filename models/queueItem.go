package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/craftlinkhq/procure_backend/remote"
	"github.com/google/uuid"
)

type QueueItemKind string

const (
	QueueItemKindUploadDocument QueueItemKind = "UPLOAD_DOCUMENT"
	QueueItemKindAppendMessage  QueueItemKind = "APPEND_MESSAGE"
)

type QueueItemStatus string

const (
	QueueItemStatusPending QueueItemStatus = "PENDING"
	QueueItemStatusDead    QueueItemStatus = "DEAD"
)

// QueueItem is one pending remote operation. Payload holds the kind-specific
// body as JSON so both the file store and the gorm store persist it unchanged.
type QueueItem struct {
	ID            uint            `gorm:"primaryKey" json:"-"`
	ItemId        string          `gorm:"size:36;uniqueIndex" json:"itemId"`
	Kind          QueueItemKind   `gorm:"size:32;index" json:"kind"`
	Payload       json.RawMessage `gorm:"type:json" json:"payload"`
	Status        QueueItemStatus `gorm:"size:16;index;default:PENDING" json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	LastError     *string         `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (QueueItem) TableName() string {
	return "queue_items"
}

type UploadDocumentPayload struct {
	DocKind         string   `json:"docKind"`
	RelatedEntityId string   `json:"relatedEntityId"`
	ContentUrl      string   `json:"contentUrl"`
	AccessRoles     []string `json:"accessRoles"`
	StorageProvider string   `json:"storageProvider"`
	StorageKey      string   `json:"storageKey"`
	ContentHash     string   `json:"contentHash"`
}

type AppendMessagePayload struct {
	ThreadId   string `json:"threadId"`
	Message    string `json:"message"`
	ActingRole string `json:"actingRole"`
	// MessageId is generated at enqueue time and rides along on every replay,
	// so the remote side can dedupe a retry whose first response was lost.
	MessageId string `json:"messageId"`
}

func NewUploadDocumentItem(p UploadDocumentPayload) (*QueueItem, error) {
	if p.ContentHash == "" {
		return nil, errors.New("contentHash is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &QueueItem{
		ItemId:    uuid.NewString(),
		Kind:      QueueItemKindUploadDocument,
		Payload:   raw,
		Status:    QueueItemStatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func NewAppendMessageItem(p AppendMessagePayload) (*QueueItem, error) {
	if p.ThreadId == "" {
		return nil, errors.New("threadId is required")
	}
	if p.Message == "" {
		return nil, errors.New("message is required")
	}
	if p.MessageId == "" {
		p.MessageId = uuid.NewString()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &QueueItem{
		ItemId:    uuid.NewString(),
		Kind:      QueueItemKindAppendMessage,
		Payload:   raw,
		Status:    QueueItemStatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (q *QueueItem) UploadDocumentPayload() (*UploadDocumentPayload, error) {
	if q.Kind != QueueItemKindUploadDocument {
		return nil, errors.New("queue item is not an upload document item")
	}
	var p UploadDocumentPayload
	if err := json.Unmarshal(q.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *QueueItem) AppendMessagePayload() (*AppendMessagePayload, error) {
	if q.Kind != QueueItemKindAppendMessage {
		return nil, errors.New("queue item is not an append message item")
	}
	var p AppendMessagePayload
	if err := json.Unmarshal(q.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p UploadDocumentPayload) ToRemoteRequest() remote.UploadDocumentRequest {
	return remote.UploadDocumentRequest{
		DocKind:         p.DocKind,
		RelatedEntityId: p.RelatedEntityId,
		ContentUrl:      p.ContentUrl,
		AccessRoles:     p.AccessRoles,
		StorageProvider: p.StorageProvider,
		StorageKey:      p.StorageKey,
		ContentHash:     p.ContentHash,
	}
}

func (p AppendMessagePayload) ToRemoteRequest() remote.AppendMessageRequest {
	return remote.AppendMessageRequest{
		ThreadId:   p.ThreadId,
		Message:    p.Message,
		ActingRole: p.ActingRole,
		MessageId:  p.MessageId,
	}
}
