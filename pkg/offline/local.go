package offline

import "sort"

// LocalDocument is one entry in an owner's optimistic materialization.
// Pending means the document (or its latest change) has not been confirmed
// by the remote store yet.
type LocalDocument struct {
	ID      string
	Data    map[string]any
	Pending bool
}

// Payload keys the cache understands. The payload itself stays an opaque
// JSON-serializable map on the wire; these are the conventions the
// composition layer writes into it.
const (
	PayloadDocID = "id"
	PayloadData  = "data"
	PayloadField = "field"
	PayloadValue = "value"
)

// localCache holds per-owner optimistic documents. It is only ever touched
// under the queue mutex.
type localCache struct {
	owners map[string]map[string]*LocalDocument
}

func newLocalCache() *localCache {
	return &localCache{owners: make(map[string]map[string]*LocalDocument)}
}

func (c *localCache) docs(ownerID string) map[string]*LocalDocument {
	docs, ok := c.owners[ownerID]
	if !ok {
		docs = make(map[string]*LocalDocument)
		c.owners[ownerID] = docs
	}
	return docs
}

// apply mutates the owner's local copy to reflect op, synchronously with
// enqueue, so reads see the write before the remote store does.
func (c *localCache) apply(op Operation) {
	docID, _ := op.Payload[PayloadDocID].(string)
	if docID == "" {
		return
	}
	docs := c.docs(op.OwnerID)

	switch op.Type {
	case OpCreate:
		doc := &LocalDocument{ID: docID, Data: make(map[string]any), Pending: true}
		if data, ok := op.Payload[PayloadData].(map[string]any); ok {
			for k, v := range data {
				doc.Data[k] = v
			}
		}
		docs[docID] = doc

	case OpUpdate:
		doc := docs[docID]
		if doc == nil {
			doc = &LocalDocument{ID: docID, Data: make(map[string]any)}
			docs[docID] = doc
		}
		if data, ok := op.Payload[PayloadData].(map[string]any); ok {
			for k, v := range data {
				doc.Data[k] = v
			}
		}
		doc.Pending = true

	case OpUpdateField:
		doc := docs[docID]
		if doc == nil {
			doc = &LocalDocument{ID: docID, Data: make(map[string]any)}
			docs[docID] = doc
		}
		if field, ok := op.Payload[PayloadField].(string); ok && field != "" {
			doc.Data[field] = op.Payload[PayloadValue]
		}
		doc.Pending = true

	case OpDelete:
		delete(docs, docID)
	}
}

// confirm promotes the document touched by a successfully replayed op to
// confirmed state.
func (c *localCache) confirm(op Operation) {
	if op.Type == OpDelete {
		return
	}
	docID, _ := op.Payload[PayloadDocID].(string)
	if docID == "" {
		return
	}
	if doc := c.docs(op.OwnerID)[docID]; doc != nil {
		doc.Pending = false
	}
}

func (c *localCache) materialized(ownerID string) []LocalDocument {
	docs := c.owners[ownerID]
	out := make([]LocalDocument, 0, len(docs))
	for _, doc := range docs {
		data := make(map[string]any, len(doc.Data))
		for k, v := range doc.Data {
			data[k] = v
		}
		out = append(out, LocalDocument{ID: doc.ID, Data: data, Pending: doc.Pending})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
