package store

import "encoding/json"

// currentSchemaVersion is bumped whenever a stored type gains a field
// that an older writer would not have populated. Unlike
// original_source/sqlite_database.py's column_alterations loop (which
// ALTERs a live table on open), bbolt has no schema to alter: every
// value is a self-contained JSON document, so "migration" here means
// decoding an old envelope and letting Go's zero-value defaulting fill
// the gap, the same safety property the Python loop buys at open time.
const currentSchemaVersion = 1

// envelope wraps every stored value with the version it was written
// under, so unmarshalMigrated can tell an old document from a new one
// without guessing from field presence alone.
type envelope struct {
	Version int             `json:"_v"`
	Data    json.RawMessage `json:"data"`
}

// migrateOnWriteSchema marshals v under the current schema version.
func migrateOnWriteSchema(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: currentSchemaVersion, Data: data})
}

// unmarshalMigrated decodes an envelope written by any prior schema
// version into v. Because every field addition to the model types is
// additive with a documented zero-value default, no per-version
// transform table is needed today; this function is the single seam
// where one would be added if a future field required a non-zero
// backfill.
func unmarshalMigrated(raw []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Data == nil {
		// Pre-envelope document (shouldn't occur post-bootstrap, but
		// tolerate it rather than fail a read outright).
		return json.Unmarshal(raw, v)
	}
	return json.Unmarshal(env.Data, v)
}
