package schema

import _ "embed"

// JobsV1Schema contains the JSON schema for jobs files.
//
//go:embed jobs.v1.json
var JobsV1Schema []byte
