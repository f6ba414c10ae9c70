package firemoo

import "encoding/json"

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

// Collection is a named group of documents. Collections may be nested under
// a parent collection or document.
type Collection struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ParentCollectionID string `json:"parent_collection_id,omitempty"`
	ParentDocumentID   string `json:"parent_document_id,omitempty"`
	DocumentCount      int    `json:"document_count,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
	UpdatedAt          string `json:"updated_at,omitempty"`
}

// CollectionsResponse is returned by GET /api/collections.
type CollectionsResponse struct {
	Collections []Collection `json:"collections"`
}

// CollectionOptions are the optional fields of a create request.
type CollectionOptions struct {
	ParentCollectionID string `json:"parent_collection_id,omitempty"`
	ParentDocumentID   string `json:"parent_document_id,omitempty"`
}

type createCollectionRequest struct {
	Name string `json:"name"`
	CollectionOptions
}

// MessageResponse is the acknowledgement returned by deletes.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Documents
// --------------------------------------------------------------------------

// Document is a JSON object stored in a collection.
type Document struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"document_id,omitempty"`
	CollectionID string         `json:"collection_id,omitempty"`
	Data         map[string]any `json:"data"`
	CreatedAt    string         `json:"created_at,omitempty"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
}

// Pagination describes one page of a list.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// DocumentsResponse is returned by GET /api/collections/{id}/documents.
type DocumentsResponse struct {
	Documents  []Document `json:"documents"`
	Pagination Pagination `json:"pagination"`
}

// Page selects a page of documents. Zero fields are omitted.
type Page struct {
	Page  int
	Limit int
}

// DocumentFormat selects an alternate rendering of a document, such as
// Format "firestore" with the project and database it should be shaped for.
type DocumentFormat struct {
	Format     string
	ProjectID  string
	DatabaseID string
}

type documentRequest struct {
	Data       any    `json:"data"`
	DocumentID string `json:"document_id,omitempty"`
}

type rawDocumentRequest struct {
	Data json.RawMessage `json:"data"`
}
