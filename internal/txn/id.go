// Package txn holds the transaction identity shared by the lock table and the
// buffer pool. The storage core only keys its tables by ID; it never decides
// when a transaction starts or ends.
package txn

import "github.com/google/uuid"

// ID is an opaque, comparable transaction token. The zero value means
// "no transaction".
type ID uuid.UUID

// Nil is the zero ID.
var Nil ID

// New mints a fresh transaction id.
func New() ID {
	return ID(uuid.New())
}

func (id ID) IsNil() bool { return id == Nil }

func (id ID) String() string {
	if id.IsNil() {
		return "txn(nil)"
	}
	return uuid.UUID(id).String()
}
