// Package evalue defines the encrypted slot manipulated by the privote
// contracts: an opaque ciphertext handle paired with the list of identities
// allowed to request its decryption.
//
// A slot starts at the distinguished zero value, which is never decryptable
// and is distinguishable from any real ciphertext only by its emptiness.
// Folding a fresh ciphertext into a slot replaces the handle with a new one
// and carries the accumulated access list forward. The access list only
// grows, there is no revocation.
package evalue

import (
	"encoding/json"

	"go.dedis.ch/dela/core/store"
	"golang.org/x/xerrors"
)

// Folder is the homomorphic boundary of the module. It combines two
// ciphertexts into the ciphertext of the sum of their plaintexts without
// decrypting either operand.
type Folder interface {
	// Fold returns the combination of the two ciphertexts. A nil first
	// operand denotes the zero slot, in which case the result is the second
	// operand.
	Fold(a, b []byte) ([]byte, error)
}

// Value is an encrypted slot: a ciphertext handle and the identities allowed
// to request its decryption.
type Value struct {
	Handle []byte   `json:"handle"`
	Access []string `json:"access,omitempty"`
}

// Zero returns the empty slot.
func Zero() Value {
	return Value{}
}

// IsZero returns true when the slot has never been written.
func (v Value) IsZero() bool {
	return len(v.Handle) == 0
}

// Granted returns true when the identity is allowed to decrypt the slot.
func (v Value) Granted(identity string) bool {
	for _, ident := range v.Access {
		if ident == identity {
			return true
		}
	}

	return false
}

// Grant adds the identity to the access list. Granting twice is a no-op.
func (v *Value) Grant(identity string) {
	if v.Granted(identity) {
		return
	}

	v.Access = append(v.Access, identity)
}

// Fold returns the slot obtained by combining the current handle with the
// ciphertext. The access list of the slot carries over to the result.
func (v Value) Fold(folder Folder, ciphertext []byte) (Value, error) {
	handle, err := folder.Fold(v.Handle, ciphertext)
	if err != nil {
		return Value{}, xerrors.Errorf("failed to fold ciphertext: %v", err)
	}

	return Value{
		Handle: handle,
		Access: append([]string{}, v.Access...),
	}, nil
}

// accessPrefix prefixes the per-handle access records in a contract's
// storage, next to the records holding the slots themselves.
var accessPrefix = []byte("access:")

// AccessKey returns the storage key of the access record of a handle.
func AccessKey(handle []byte) []byte {
	return append(append([]byte{}, accessPrefix...), handle...)
}

// WriteAccess stores the access list of the slot under its handle, so that
// off-ledger services can look it up from the handle alone.
func WriteAccess(snap store.Snapshot, v Value) error {
	data, err := json.Marshal(v.Access)
	if err != nil {
		return xerrors.Errorf("failed to marshal access list: %v", err)
	}

	err = snap.Set(AccessKey(v.Handle), data)
	if err != nil {
		return xerrors.Errorf("failed to set access record: %v", err)
	}

	return nil
}

// ReadAccess returns the access list currently bound to a handle. A handle
// without a record has an empty access list.
func ReadAccess(r store.Readable, handle []byte) ([]string, error) {
	data, err := r.Get(AccessKey(handle))
	if err != nil {
		return nil, xerrors.Errorf("failed to get access record: %v", err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	access := []string{}

	err = json.Unmarshal(data, &access)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal access list: %v", err)
	}

	return access, nil
}

// AccessReader looks up access records from a readable store.
//
// - implements reveal.AccessReader
type AccessReader struct {
	r store.Readable
}

// NewAccessReader creates a reader over the given store. The store is
// expected to be scoped to the contract owning the handles, for instance
// with a prefixed readable.
func NewAccessReader(r store.Readable) AccessReader {
	return AccessReader{r: r}
}

// Access implements reveal.AccessReader. It returns the identities allowed
// to decrypt the handle.
func (a AccessReader) Access(handle []byte) ([]string, error) {
	return ReadAccess(a.r, handle)
}
