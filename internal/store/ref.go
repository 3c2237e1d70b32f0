package store

// Ref identifies a collection entry either by the temporary id of an optimistic create
// or by the authoritative id assigned by the server.
type Ref struct {
	local bool
	id    string
}

// LocalRef references an entity fabricated on the client and not yet acknowledged.
func LocalRef(tempID string) Ref {
	return Ref{local: true, id: tempID}
}

// RemoteRef references an entity that exists on the server.
func RemoteRef(id string) Ref {
	return Ref{id: id}
}

// IsLocal reports whether the ref is a temporary id.
func (r Ref) IsLocal() bool {
	return r.local
}

// ID returns the referenced id, temporary or authoritative.
func (r Ref) ID() string {
	return r.id
}

func (r Ref) String() string {
	if r.local {
		return "local:" + r.id
	}
	return "remote:" + r.id
}
