// Package fakeserver is an in-memory Firemoo backend for end-to-end tests:
// the chat REST endpoints, collections and documents, and the realtime
// socket with channel subscriptions.
package fakeserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/firemoo/firemoo-go"
	"github.com/firemoo/firemoo-go/frame"
	"github.com/firemoo/firemoo-go/wire"
)

// Server implements http.Handler.
type Server struct {
	apiKey  string
	router  chi.Router
	logger  zerolog.Logger
	now     func() time.Time
	sockets *hub

	mu            sync.Mutex
	nextID        int
	conversations map[int]*conversation
	collections   map[string]*collection
	order         []string
}

type conversation struct {
	id        int
	visitorID string
	messages  []message
}

// message uses numeric ids the way the production backend does.
type message struct {
	ID             int    `json:"id"`
	Message        string `json:"message"`
	SenderType     string `json:"sender_type"`
	CreatedAt      string `json:"created_at"`
	ConversationID int    `json:"conversation_id"`
}

type collection struct {
	firemoo.Collection
	docs  map[string]*firemoo.Document
	order []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New returns a server accepting apiKey.
func New(apiKey string, opts ...Option) *Server {
	s := &Server{
		apiKey:        apiKey,
		logger:        log.With().Str("component", "fakeserver").Logger(),
		now:           time.Now,
		conversations: make(map[int]*conversation),
		collections:   make(map[string]*collection),
	}
	for _, o := range opts {
		o(s)
	}
	s.sockets = newHub(s.logger)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Website-Url"},
	}))

	r.Get("/websocket", s.handleSocket)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
		r.Use(s.requireKey)

		r.Post("/api/chat/conversations", s.createConversation)
		r.Post("/api/chat/conversations/{id}/messages", s.sendMessage)
		r.Get("/api/chat/conversations/{id}/messages", s.listMessages)

		r.Get("/api/collections", s.listCollections)
		r.Post("/api/collections", s.createCollection)
		r.Get("/api/collections/{cid}", s.getCollection)
		r.Delete("/api/collections/{cid}", s.deleteCollection)

		r.Get("/api/collections/{cid}/documents", s.listDocuments)
		r.Post("/api/collections/{cid}/documents", s.createDocument)
		r.Get("/api/collections/{cid}/documents/{did}", s.getDocument)
		r.Put("/api/collections/{cid}/documents/{did}", s.replaceDocument)
		r.Patch("/api/collections/{cid}/documents/{did}", s.patchDocument)
		r.Delete("/api/collections/{cid}/documents/{did}", s.deleteDocument)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AgentReply appends an agent message to a conversation and pushes it to
// subscribers of its chat channel.
func (s *Server) AgentReply(conversationID int, text string) (wire.ID, error) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("conversation %d not found", conversationID)
	}
	m := s.appendMessage(conv, text, "agent")
	s.mu.Unlock()

	s.pushMessage(m)
	return wire.ID(strconv.Itoa(m.ID)), nil
}

// Messages returns a copy of a conversation's history.
func (s *Server) Messages(conversationID int) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]wire.Message, 0, len(conv.messages))
	for _, m := range conv.messages {
		out = append(out, toWire(m))
	}
	return out
}

// Subscribers returns how many sockets are subscribed to channel.
func (s *Server) Subscribers(channel string) int { return s.sockets.count(channel) }

// DropSockets closes every open socket from the server side.
func (s *Server) DropSockets() { s.sockets.closeAll() }

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --------------------------------------------------------------------------
// Chat
// --------------------------------------------------------------------------

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.VisitorID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "visitor_id and message are required")
		return
	}

	s.mu.Lock()
	s.nextID++
	conv := &conversation{id: s.nextID, visitorID: req.VisitorID}
	s.conversations[conv.id] = conv
	s.appendMessage(conv, req.Message, "visitor")
	s.mu.Unlock()

	s.logger.Debug().Int("conversation_id", conv.id).Str("visitor_id", req.VisitorID).Msg("conversation created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         conv.id,
		"visitor_id": conv.visitorID,
		"status":     "open",
		"created_at": s.timestamp(),
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req wire.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	s.mu.Lock()
	conv, ok := s.conversation(r)
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	m := s.appendMessage(conv, req.Message, "visitor")
	s.mu.Unlock()

	s.pushMessage(m)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	s.mu.Lock()
	conv, ok := s.conversation(r)
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgs := conv.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	msgs = append([]message(nil), msgs...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// conversation must be called with s.mu held.
func (s *Server) conversation(r *http.Request) (*conversation, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		return nil, false
	}
	conv, ok := s.conversations[id]
	return conv, ok
}

// appendMessage must be called with s.mu held.
func (s *Server) appendMessage(conv *conversation, text, sender string) message {
	s.nextID++
	m := message{
		ID:             s.nextID,
		Message:        text,
		SenderType:     sender,
		CreatedAt:      s.timestamp(),
		ConversationID: conv.id,
	}
	conv.messages = append(conv.messages, m)
	return m
}

func (s *Server) pushMessage(m message) {
	s.sockets.broadcast(frame.ChatChannel(strconv.Itoa(m.ConversationID)), map[string]any{
		"type":    frame.TypeChannelEvent,
		"channel": frame.ChatChannel(strconv.Itoa(m.ConversationID)),
		"event":   "message:new",
		"data":    m,
	})
}

func toWire(m message) wire.Message {
	return wire.Message{
		ID:             wire.ID(strconv.Itoa(m.ID)),
		Message:        m.Message,
		SenderType:     m.SenderType,
		CreatedAt:      m.CreatedAt,
		ConversationID: wire.ID(strconv.Itoa(m.ConversationID)),
	}
}

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]firemoo.Collection, 0, len(s.order))
	for _, id := range s.order {
		c := s.collections[id]
		c.DocumentCount = len(c.docs)
		out = append(out, c.Collection)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, firemoo.CollectionsResponse{Collections: out})
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		firemoo.CollectionOptions
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.mu.Lock()
	s.nextID++
	c := &collection{
		Collection: firemoo.Collection{
			ID:                 "col_" + strconv.Itoa(s.nextID),
			Name:               req.Name,
			ParentCollectionID: req.ParentCollectionID,
			ParentDocumentID:   req.ParentDocumentID,
			CreatedAt:          s.timestamp(),
		},
		docs: make(map[string]*firemoo.Document),
	}
	c.UpdatedAt = c.CreatedAt
	s.collections[c.ID] = c
	s.order = append(s.order, c.ID)
	s.mu.Unlock()

	s.broadcastChange("collection_created", c.ID, nil)
	writeJSON(w, http.StatusCreated, c.Collection)
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.collections[chi.URLParam(r, "cid")]
	var out firemoo.Collection
	if ok {
		c.DocumentCount = len(c.docs)
		out = c.Collection
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cid")
	s.mu.Lock()
	_, ok := s.collections[id]
	if ok {
		delete(s.collections, id)
		s.order = remove(s.order, id)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	s.broadcastChange("collection_deleted", id, nil)
	writeJSON(w, http.StatusOK, firemoo.MessageResponse{Message: "collection deleted"})
}

// --------------------------------------------------------------------------
// Documents
// --------------------------------------------------------------------------

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	s.mu.Lock()
	c, ok := s.collections[chi.URLParam(r, "cid")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	total := len(c.order)
	docs := []firemoo.Document{}
	for i := (page - 1) * limit; i < total && i < page*limit; i++ {
		docs = append(docs, *c.docs[c.order[i]])
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, firemoo.DocumentsResponse{
		Documents: docs,
		Pagination: firemoo.Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
	})
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data       map[string]any `json:"data"`
		DocumentID string         `json:"document_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data == nil {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	s.mu.Lock()
	c, ok := s.collections[chi.URLParam(r, "cid")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	id := req.DocumentID
	if id == "" {
		s.nextID++
		id = "doc_" + strconv.Itoa(s.nextID)
	}
	if _, exists := c.docs[id]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "document already exists")
		return
	}
	now := s.timestamp()
	doc := &firemoo.Document{ID: id, DocumentID: id, CollectionID: c.ID, Data: req.Data, CreatedAt: now, UpdatedAt: now}
	c.docs[id] = doc
	c.order = append(c.order, id)
	out := *doc
	s.mu.Unlock()

	s.broadcastChange("document_created", c.ID, &out)
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc, ok := s.document(r)
	var out firemoo.Document
	if ok {
		out = *doc
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	if r.URL.Query().Get("format") == "firestore" {
		q := r.URL.Query()
		out.Data = map[string]any{
			"name": fmt.Sprintf("projects/%s/databases/%s/documents/%s/%s",
				q.Get("project_id"), q.Get("database_id"), out.CollectionID, out.ID),
			"fields": out.Data,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) replaceDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data == nil {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	s.updateDocument(w, r, func(map[string]any) (map[string]any, error) { return req.Data, nil })
}

// patchDocument applies the body's data as an RFC 7386 merge patch.
func (s *Server) patchDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	s.updateDocument(w, r, func(current map[string]any) (map[string]any, error) {
		original, err := json.Marshal(current)
		if err != nil {
			return nil, err
		}
		merged, err := jsonpatch.MergePatch(original, req.Data)
		if err != nil {
			return nil, err
		}
		var out map[string]any
		if err := json.Unmarshal(merged, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request, apply func(map[string]any) (map[string]any, error)) {
	s.mu.Lock()
	doc, ok := s.document(r)
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	data, err := apply(doc.Data)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc.Data = data
	doc.UpdatedAt = s.timestamp()
	out := *doc
	s.mu.Unlock()

	s.broadcastChange("document_updated", out.CollectionID, &out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc, ok := s.document(r)
	if ok {
		c := s.collections[doc.CollectionID]
		delete(c.docs, doc.ID)
		c.order = remove(c.order, doc.ID)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	s.broadcastChange("document_deleted", doc.CollectionID, doc)
	writeJSON(w, http.StatusOK, firemoo.MessageResponse{Message: "document deleted"})
}

// document must be called with s.mu held.
func (s *Server) document(r *http.Request) (*firemoo.Document, bool) {
	c, ok := s.collections[chi.URLParam(r, "cid")]
	if !ok {
		return nil, false
	}
	doc, ok := c.docs[chi.URLParam(r, "did")]
	return doc, ok
}

func (s *Server) broadcastChange(kind, collectionID string, doc *firemoo.Document) {
	ev := map[string]any{"type": kind, "collection_id": collectionID}
	if doc != nil {
		ev["document_id"] = doc.ID
		ev["document"] = doc
	}
	s.sockets.broadcast(firemoo.FirestoreChannel, ev)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

func remove(list []string, v string) []string {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.ErrorBody{Error: msg})
}
