// Package keeper is a content-addressable blob store.
//
// A blob store stores arbitrarily sized sequences of bytes,
// or _values_,
// and indexes them by their hash,
// which is used as a unique key.
//
// With a sufficiently good hash algorithm,
// the likelihood of any two distinct values “colliding” is so small
// that it need not concern anyone.
// This module uses sha2-256,
// which is a sufficiently good hash algorithm.
//
// The fact that the lookup key is computed from a value’s content,
// rather than by its location or the order in which it was added,
// is the meaning of “content-addressable.”
// Adding the same content twice yields the same key,
// and a key once handed out always refers to the same content.
//
// Values may carry Metadata:
// string attributes such as a MIME type.
// Metadata is not part of the key.
// When the same content is added more than once,
// the metadata from the first successful addition is the one kept.
//
// Storage is pluggable.
// A Store writes to and reads from a Backend,
// of which several live in subpackages of keeper/backend.
// The file backend persists values beneath a directory,
// making each one visible with a single atomic rename.
// The writecache backend wraps another backend,
// accepting writes into memory
// and committing them to the wrapped backend in the background;
// closing it blocks until every accepted write has been committed.
//
// Values may also be written incrementally with Store.AddStream,
// whose key becomes known when the stream is closed.
package keeper
