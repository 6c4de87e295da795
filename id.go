package conveyor

import "github.com/xraph/conveyor/id"

// ID is the identifier type for conveyor jobs and workers.
type ID = id.ID

// Prefix identifies the entity type encoded in an ID.
type Prefix = id.Prefix
