package remote

import (
	"context"
	"time"
)

// Document is a document record as the collaboration service reports it.
type Document struct {
	DocumentId      string    `json:"documentId"`
	DocKind         string    `json:"docKind"`
	RelatedEntityId string    `json:"relatedEntityId"`
	ContentUrl      string    `json:"contentUrl"`
	ContentHash     string    `json:"contentHash"`
	AccessRoles     []string  `json:"accessRoles"`
	CreatedAt       time.Time `json:"createdAt"`
}

type UploadDocumentRequest struct {
	DocKind         string   `json:"docKind"`
	RelatedEntityId string   `json:"relatedEntityId"`
	ContentUrl      string   `json:"contentUrl"`
	AccessRoles     []string `json:"accessRoles"`
	StorageProvider string   `json:"storageProvider"`
	StorageKey      string   `json:"storageKey"`
	ContentHash     string   `json:"contentHash"`
}

type AppendMessageRequest struct {
	ThreadId   string `json:"threadId"`
	Message    string `json:"message"`
	ActingRole string `json:"actingRole"`
	// MessageId is the client-generated idempotency key, sent as the
	// X-Idempotency-Key header so a replay after a lost response is a no-op
	// server side.
	MessageId string `json:"messageId"`
}

// Executor performs queue operations against the collaboration service.
// The sync queue manager replays pending items through one of these.
type Executor interface {
	UploadDocument(ctx context.Context, req UploadDocumentRequest) (*Document, error)
	AppendThreadMessage(ctx context.Context, req AppendMessageRequest) error
	ListDocuments(ctx context.Context, relatedEntityId string) ([]Document, error)
}
