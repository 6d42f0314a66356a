package docdb

// decision is the outcome of the concurrency policy for one key.
type decision struct {
	Accept bool
	// Overwrite is set when an existing document will be superseded.
	Overwrite bool
	// Supersedes is the etag being replaced, if any.
	Supersedes Etag
	Conflict   *ConcurrencyError
}

// resolve applies the bulk insert conflict policy to the etag found for key
// (NoEtag if the key is absent). It has no side effects.
func resolve(key string, existing Etag, checkForUpdates bool) decision {
	switch {
	case existing.IsZero():
		return decision{Accept: true}
	case checkForUpdates:
		return decision{Accept: true, Overwrite: true, Supersedes: existing}
	default:
		return decision{Conflict: duplicateKeyConflict(key, existing)}
	}
}
