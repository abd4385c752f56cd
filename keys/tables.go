// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package keys

import (
	"github.com/cockroachdb/localstore/internal/orderedcode"
	"github.com/cockroachdb/localstore/model"
	"github.com/cockroachdb/redact"
)

// MutationKey addresses a batch in the mutations table.
type MutationKey struct {
	UserID  string
	BatchID model.BatchID
}

var _ Key = MutationKey{}

// Table implements Key.
func (MutationKey) Table() Table { return MutationsTable }

// Encode implements Key.
func (k MutationKey) Encode() []byte {
	return newWriter(MutationsTable).user(k.UserID).batchID(k.BatchID).terminate()
}

// SafeFormat implements redact.SafeFormatter.
func (k MutationKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("/%s/%q/%s", redact.SafeString(MutationsTable), k.UserID, k.BatchID)
}

func (k MutationKey) String() string { return redact.StringWithoutMarkers(k) }

func decodeMutationKey(r *reader) MutationKey {
	var k MutationKey
	k.UserID = r.readUser()
	k.BatchID = r.readBatchID()
	return k
}

// MutationUserPrefix returns the prefix of every batch of the user.
func MutationUserPrefix(uid string) []byte {
	return newWriter(MutationsTable).user(uid).b
}

// DocumentMutationKey is a row of the index from documents to the batches
// that touch them.
type DocumentMutationKey struct {
	UserID      string
	DocumentKey model.DocumentKey
	BatchID     model.BatchID
}

var _ Key = DocumentMutationKey{}

// Table implements Key.
func (DocumentMutationKey) Table() Table { return DocumentMutationsTable }

// Encode implements Key.
func (k DocumentMutationKey) Encode() []byte {
	return newWriter(DocumentMutationsTable).user(k.UserID).
		path(k.DocumentKey.Path()).batchID(k.BatchID).terminate()
}

// SafeFormat implements redact.SafeFormatter.
func (k DocumentMutationKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("/%s/%q/%s/%s", redact.SafeString(DocumentMutationsTable), k.UserID, k.DocumentKey, k.BatchID)
}

func (k DocumentMutationKey) String() string { return redact.StringWithoutMarkers(k) }

func decodeDocumentMutationKey(r *reader) DocumentMutationKey {
	var k DocumentMutationKey
	k.UserID = r.readUser()
	k.DocumentKey = r.readDocumentKey()
	k.BatchID = r.readBatchID()
	return k
}

// DocumentMutationUserPrefix returns the prefix of every index row of the
// user.
func DocumentMutationUserPrefix(uid string) []byte {
	return newWriter(DocumentMutationsTable).user(uid).b
}

// DocumentMutationPathPrefix returns the prefix of the index rows of every
// document at or below path. For a document path that includes the document
// itself and its subcollections.
func DocumentMutationPathPrefix(uid string, path model.ResourcePath) []byte {
	return newWriter(DocumentMutationsTable).user(uid).path(path).b
}

// DocumentMutationDocumentPrefix returns the prefix of the index rows of
// exactly the given document, excluding documents in its subcollections.
func DocumentMutationDocumentPrefix(uid string, key model.DocumentKey) []byte {
	return newWriter(DocumentMutationsTable).user(uid).path(key.Path()).label(LabelBatchID).b
}

// MutationQueueKey addresses the metadata of a user's queue.
type MutationQueueKey struct {
	UserID string
}

var _ Key = MutationQueueKey{}

// Table implements Key.
func (MutationQueueKey) Table() Table { return MutationQueuesTable }

// Encode implements Key.
func (k MutationQueueKey) Encode() []byte {
	return newWriter(MutationQueuesTable).user(k.UserID).terminate()
}

// SafeFormat implements redact.SafeFormatter.
func (k MutationQueueKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("/%s/%q", redact.SafeString(MutationQueuesTable), k.UserID)
}

func (k MutationQueueKey) String() string { return redact.StringWithoutMarkers(k) }

func decodeMutationQueueKey(r *reader) MutationQueueKey {
	return MutationQueueKey{UserID: r.readUser()}
}

// OverlayKey addresses the overlay of a document.
type OverlayKey struct {
	UserID      string
	DocumentKey model.DocumentKey
}

var _ Key = OverlayKey{}

// Table implements Key.
func (OverlayKey) Table() Table { return DocumentOverlaysTable }

// Encode implements Key.
func (k OverlayKey) Encode() []byte {
	return newWriter(DocumentOverlaysTable).user(k.UserID).path(k.DocumentKey.Path()).terminate()
}

// SafeFormat implements redact.SafeFormatter.
func (k OverlayKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("/%s/%q/%s", redact.SafeString(DocumentOverlaysTable), k.UserID, k.DocumentKey)
}

func (k OverlayKey) String() string { return redact.StringWithoutMarkers(k) }

func decodeOverlayKey(r *reader) OverlayKey {
	var k OverlayKey
	k.UserID = r.readUser()
	k.DocumentKey = r.readDocumentKey()
	return k
}

// OverlayUserPrefix returns the prefix of every overlay of the user.
func OverlayUserPrefix(uid string) []byte {
	return newWriter(DocumentOverlaysTable).user(uid).b
}

// OverlayByBatchKey is a row of the index from batch ids to the documents
// whose overlay they own.
type OverlayByBatchKey struct {
	UserID      string
	BatchID     model.BatchID
	DocumentKey model.DocumentKey
}

var _ Key = OverlayByBatchKey{}

// Table implements Key.
func (OverlayByBatchKey) Table() Table { return OverlaysByBatchTable }

// Encode implements Key.
func (k OverlayByBatchKey) Encode() []byte {
	return newWriter(OverlaysByBatchTable).user(k.UserID).batchID(k.BatchID).
		path(k.DocumentKey.Path()).terminate()
}

// SafeFormat implements redact.SafeFormatter.
func (k OverlayByBatchKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("/%s/%q/%s/%s", redact.SafeString(OverlaysByBatchTable), k.UserID, k.BatchID, k.DocumentKey)
}

func (k OverlayByBatchKey) String() string { return redact.StringWithoutMarkers(k) }

func decodeOverlayByBatchKey(r *reader) OverlayByBatchKey {
	var k OverlayByBatchKey
	k.UserID = r.readUser()
	k.BatchID = r.readBatchID()
	k.DocumentKey = r.readDocumentKey()
	return k
}

// OverlayByBatchPrefix returns the prefix of the index rows of one batch.
func OverlayByBatchPrefix(uid string, id model.BatchID) []byte {
	return newWriter(OverlaysByBatchTable).user(uid).batchID(id).b
}

// OverlayByBatchUserPrefix returns the prefix of the index rows of the user.
func OverlayByBatchUserPrefix(uid string) []byte {
	return newWriter(OverlaysByBatchTable).user(uid).b
}

// OverlayByCollectionKey is a row of the index from a collection to the
// overlays of its immediate children, ordered by batch id.
type OverlayByCollectionKey struct {
	UserID     string
	Collection model.ResourcePath
	BatchID    model.BatchID
	DocumentID string
}

var _ Key = OverlayByCollectionKey{}

// Table implements Key.
func (OverlayByCollectionKey) Table() Table { return OverlaysByCollectionTable }

// Encode implements Key.
func (k OverlayByCollectionKey) Encode() []byte {
	return newWriter(OverlaysByCollectionTable).user(k.UserID).path(k.Collection).
		batchID(k.BatchID).segment(k.DocumentID).terminate()
}

// DocumentKey returns the document the row refers to.
func (k OverlayByCollectionKey) DocumentKey() (model.DocumentKey, error) {
	return model.NewDocumentKey(k.Collection.Child(k.DocumentID))
}

// SafeFormat implements redact.SafeFormatter.
func (k OverlayByCollectionKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("/%s/%q/%s/%s/%s", redact.SafeString(OverlaysByCollectionTable), k.UserID,
		k.Collection, k.BatchID, k.DocumentID)
}

func (k OverlayByCollectionKey) String() string { return redact.StringWithoutMarkers(k) }

func decodeOverlayByCollectionKey(r *reader) OverlayByCollectionKey {
	var k OverlayByCollectionKey
	k.UserID = r.readUser()
	k.Collection = r.readPath()
	k.BatchID = r.readBatchID()
	k.DocumentID = r.readString(LabelPathSegment)
	return k
}

// OverlayByCollectionPrefix returns the prefix of the index rows of the
// immediate children of the collection. Rows of deeper descendants carry a
// path segment where these rows carry the batch id label, so they fall
// outside the prefix.
func OverlayByCollectionPrefix(uid string, collection model.ResourcePath) []byte {
	return newWriter(OverlaysByCollectionTable).user(uid).path(collection).label(LabelBatchID).b
}

// OverlayByCollectionUserPrefix returns the prefix of the index rows of the
// user.
func OverlayByCollectionUserPrefix(uid string) []byte {
	return newWriter(OverlaysByCollectionTable).user(uid).b
}

// OverlayByCollectionGroupKey is a row of the index from a collection group
// to overlays, ordered by batch id and then document.
type OverlayByCollectionGroupKey struct {
	UserID          string
	CollectionGroup string
	BatchID         model.BatchID
	DocumentKey     model.DocumentKey
}

var _ Key = OverlayByCollectionGroupKey{}

// Table implements Key.
func (OverlayByCollectionGroupKey) Table() Table { return OverlaysByCollectionGroupTable }

// Encode implements Key.
func (k OverlayByCollectionGroupKey) Encode() []byte {
	return newWriter(OverlaysByCollectionGroupTable).user(k.UserID).collectionGroup(k.CollectionGroup).
		batchID(k.BatchID).path(k.DocumentKey.Path()).terminate()
}

// SafeFormat implements redact.SafeFormatter.
func (k OverlayByCollectionGroupKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("/%s/%q/%q/%s/%s", redact.SafeString(OverlaysByCollectionGroupTable), k.UserID,
		k.CollectionGroup, k.BatchID, k.DocumentKey)
}

func (k OverlayByCollectionGroupKey) String() string { return redact.StringWithoutMarkers(k) }

func decodeOverlayByCollectionGroupKey(r *reader) OverlayByCollectionGroupKey {
	var k OverlayByCollectionGroupKey
	k.UserID = r.readUser()
	k.CollectionGroup = r.readString(LabelCollectionGroup)
	k.BatchID = r.readBatchID()
	k.DocumentKey = r.readDocumentKey()
	return k
}

// OverlayByCollectionGroupPrefix returns the prefix of the index rows of the
// collection group.
func OverlayByCollectionGroupPrefix(uid, group string) []byte {
	return newWriter(OverlaysByCollectionGroupTable).user(uid).collectionGroup(group).label(LabelBatchID).b
}

// OverlayByCollectionGroupUserPrefix returns the prefix of the index rows of
// the user.
func OverlayByCollectionGroupUserPrefix(uid string) []byte {
	return newWriter(OverlaysByCollectionGroupTable).user(uid).b
}

// AppendBatchIDLowerBound returns the smallest key starting with a prefix
// returned by OverlayByCollectionPrefix or OverlayByCollectionGroupPrefix
// whose batch id is at least id.
func AppendBatchIDLowerBound(prefix []byte, id model.BatchID) []byte {
	return orderedcode.AppendSignedNumIncreasing(append([]byte(nil), prefix...), int64(id))
}

// MetadataKey addresses a store-wide setting.
type MetadataKey struct {
	Name string
}

var _ Key = MetadataKey{}

// Table implements Key.
func (MetadataKey) Table() Table { return MetadataTable }

// Encode implements Key.
func (k MetadataKey) Encode() []byte {
	w := newWriter(MetadataTable).label(LabelMetadataName)
	w.b = orderedcode.AppendString(w.b, k.Name)
	return w.terminate()
}

// SafeFormat implements redact.SafeFormatter.
func (k MetadataKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("/%s/%s", redact.SafeString(MetadataTable), redact.SafeString(k.Name))
}

func (k MetadataKey) String() string { return redact.StringWithoutMarkers(k) }

func decodeMetadataKey(r *reader) MetadataKey {
	return MetadataKey{Name: r.readString(LabelMetadataName)}
}
