package firemoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/firemoo/firemoo-go/wire"
)

// DefaultMessageLimit is the history page size requested by the widget.
const DefaultMessageLimit = 50

// --------------------------------------------------------------------------
// Chat
// --------------------------------------------------------------------------

// CreateConversation starts a conversation. req.Message is stored as the
// first visitor message.
func (c *Client) CreateConversation(ctx context.Context, req wire.CreateConversationRequest) (*wire.Conversation, error) {
	var conv wire.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/conversations", req, &conv); err != nil {
		return nil, err
	}
	if conv.ID.IsZero() {
		return nil, &TransportError{Op: "create conversation", Err: fmt.Errorf("response has no id")}
	}
	return &conv, nil
}

// SendMessage posts a text message to an existing conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (*wire.MessageAck, error) {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	var ack wire.MessageAck
	req := wire.SendMessageRequest{Message: text, MessageType: wire.MessageTypeText}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ListMessages returns the most recent messages of a conversation, oldest
// first. A non-positive limit means DefaultMessageLimit.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages?limit=" + strconv.Itoa(limit)
	var resp wire.MessagesResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

// ListCollections returns every collection visible to the API key.
func (c *Client) ListCollections(ctx context.Context) ([]Collection, error) {
	var resp CollectionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/collections", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

// GetCollection fetches one collection.
func (c *Client) GetCollection(ctx context.Context, collectionID string) (*Collection, error) {
	var coll Collection
	if err := c.doJSON(ctx, http.MethodGet, collectionPath(collectionID), nil, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

// CreateCollection creates a collection, optionally nested.
func (c *Client) CreateCollection(ctx context.Context, name string, opts CollectionOptions) (*Collection, error) {
	var coll Collection
	req := createCollectionRequest{Name: name, CollectionOptions: opts}
	if err := c.doJSON(ctx, http.MethodPost, "/api/collections", req, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

// DeleteCollection removes a collection and its documents.
func (c *Client) DeleteCollection(ctx context.Context, collectionID string) error {
	return c.doJSON(ctx, http.MethodDelete, collectionPath(collectionID), nil, nil)
}

// --------------------------------------------------------------------------
// Documents
// --------------------------------------------------------------------------

// ListDocuments returns one page of documents.
func (c *Client) ListDocuments(ctx context.Context, collectionID string, page Page) (*DocumentsResponse, error) {
	q := url.Values{}
	if page.Page > 0 {
		q.Set("page", strconv.Itoa(page.Page))
	}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	path := collectionPath(collectionID) + "/documents" + encodeQuery(q)
	var resp DocumentsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDocument fetches one document, optionally in an alternate format.
func (c *Client) GetDocument(ctx context.Context, collectionID, documentID string, format DocumentFormat) (*Document, error) {
	q := url.Values{}
	if format.Format != "" {
		q.Set("format", format.Format)
	}
	if format.ProjectID != "" {
		q.Set("project_id", format.ProjectID)
	}
	if format.DatabaseID != "" {
		q.Set("database_id", format.DatabaseID)
	}
	var doc Document
	if err := c.doJSON(ctx, http.MethodGet, documentPath(collectionID, documentID)+encodeQuery(q), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// CreateDocument stores data. An empty documentID lets the server pick one.
func (c *Client) CreateDocument(ctx context.Context, collectionID string, data any, documentID string) (*Document, error) {
	var doc Document
	req := documentRequest{Data: data, DocumentID: documentID}
	if err := c.doJSON(ctx, http.MethodPost, collectionPath(collectionID)+"/documents", req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpdateDocument replaces a document's data.
func (c *Client) UpdateDocument(ctx context.Context, collectionID, documentID string, data any) (*Document, error) {
	var doc Document
	if err := c.doJSON(ctx, http.MethodPut, documentPath(collectionID, documentID), documentRequest{Data: data}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// PatchDocument merges data into a document.
func (c *Client) PatchDocument(ctx context.Context, collectionID, documentID string, data any) (*Document, error) {
	var doc Document
	if err := c.doJSON(ctx, http.MethodPatch, documentPath(collectionID, documentID), documentRequest{Data: data}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// PatchDocumentDiff sends only what changed between before and after, as an
// RFC 7386 merge patch. It returns (nil, nil) without a request when the two
// versions are equal.
func (c *Client) PatchDocumentDiff(ctx context.Context, collectionID, documentID string, before, after any) (*Document, error) {
	b, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("marshal before: %w", err)
	}
	a, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("marshal after: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(b, a)
	if err != nil {
		return nil, fmt.Errorf("create merge patch: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(patch), []byte("{}")) {
		return nil, nil
	}
	var doc Document
	if err := c.doJSON(ctx, http.MethodPatch, documentPath(collectionID, documentID), rawDocumentRequest{Data: patch}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, collectionID, documentID string) error {
	return c.doJSON(ctx, http.MethodDelete, documentPath(collectionID, documentID), nil, nil)
}

func collectionPath(collectionID string) string {
	return "/api/collections/" + url.PathEscape(collectionID)
}

func documentPath(collectionID, documentID string) string {
	return collectionPath(collectionID) + "/documents/" + url.PathEscape(documentID)
}

func encodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
