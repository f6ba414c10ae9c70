package firemoo_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemoo/firemoo-go"
)

func TestCollectionsEndpoints(t *testing.T) {
	c, rec := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/collections":
			reply(200, `{"collections":[{"id":"c1","name":"users"}]}`)(w, r)
		case r.Method == http.MethodDelete:
			reply(200, `{"message":"deleted"}`)(w, r)
		default:
			reply(200, `{"id":"c2","name":"orders","parent_collection_id":"c1"}`)(w, r)
		}
	})
	ctx := context.Background()

	list, err := c.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "users", list[0].Name)

	coll, err := c.CreateCollection(ctx, "orders", firemoo.CollectionOptions{ParentCollectionID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c2", coll.ID)
	assert.JSONEq(t, `{"name":"orders","parent_collection_id":"c1"}`, rec.last(t).Body)

	_, err = c.GetCollection(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "/api/collections/c2", rec.last(t).Path)

	require.NoError(t, c.DeleteCollection(ctx, "c2"))
	assert.Equal(t, http.MethodDelete, rec.last(t).Method)
}

func TestDocumentsEndpoints(t *testing.T) {
	c, rec := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/collections/c1/documents" {
			reply(200, `{"documents":[{"id":"d1","data":{"a":1}}],"pagination":{"page":2,"limit":10,"total":11,"total_pages":2}}`)(w, r)
			return
		}
		reply(200, `{"id":"d1","data":{"a":1}}`)(w, r)
	})
	ctx := context.Background()

	page, err := c.ListDocuments(ctx, "c1", firemoo.Page{Page: 2, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "limit=10&page=2", rec.last(t).Query)
	assert.Equal(t, 2, page.Pagination.TotalPages)
	require.Len(t, page.Documents, 1)

	_, err = c.ListDocuments(ctx, "c1", firemoo.Page{})
	require.NoError(t, err)
	assert.Empty(t, rec.last(t).Query)

	_, err = c.GetDocument(ctx, "c1", "d1", firemoo.DocumentFormat{Format: "firestore", ProjectID: "p", DatabaseID: "(default)"})
	require.NoError(t, err)
	got := rec.last(t)
	assert.Equal(t, "/api/collections/c1/documents/d1", got.Path)
	assert.Equal(t, "database_id=%28default%29&format=firestore&project_id=p", got.Query)

	_, err = c.CreateDocument(ctx, "c1", map[string]any{"a": 1}, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"a":1}}`, rec.last(t).Body)

	_, err = c.CreateDocument(ctx, "c1", map[string]any{"a": 1}, "fixed")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"a":1},"document_id":"fixed"}`, rec.last(t).Body)

	_, err = c.UpdateDocument(ctx, "c1", "d1", map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, rec.last(t).Method)

	_, err = c.PatchDocument(ctx, "c1", "d1", map[string]any{"b": true})
	require.NoError(t, err)
	got = rec.last(t)
	assert.Equal(t, http.MethodPatch, got.Method)
	assert.JSONEq(t, `{"data":{"b":true}}`, got.Body)

	require.NoError(t, c.DeleteDocument(ctx, "c1", "d1"))
	assert.Equal(t, http.MethodDelete, rec.last(t).Method)
}

func TestPatchDocumentDiff(t *testing.T) {
	c, rec := newServer(t, reply(200, `{"id":"d1","data":{}}`))
	ctx := context.Background()

	before := map[string]any{"name": "Ann", "age": 30, "tags": []string{"a"}}
	after := map[string]any{"name": "Ann", "age": 31, "city": "Oslo"}

	doc, err := c.PatchDocumentDiff(ctx, "c1", "d1", before, after)
	require.NoError(t, err)
	require.NotNil(t, doc)
	got := rec.last(t)
	assert.Equal(t, http.MethodPatch, got.Method)
	assert.JSONEq(t, `{"data":{"age":31,"city":"Oslo","tags":null}}`, got.Body)

	n := len(rec.all())
	doc, err = c.PatchDocumentDiff(ctx, "c1", "d1", after, after)
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Len(t, rec.all(), n, "no request for an empty diff")
}
