package calsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildMutationLogFromDSN picks the durable log behind the local mutation
// queue. An empty DSN yields an in-memory log.
func BuildMutationLogFromDSN(dsn string) (MutationLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryMutationLog(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupMutationLogFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileMutationLog(path)
	case "memory", "mem", "inmem":
		return NewInMemoryMutationLog(), nil
	case "postgres", "postgresql":
		return NewPostgresMutationLog(dsn)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: mutation log backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported mutation log scheme: %s", scheme)
	}
}
