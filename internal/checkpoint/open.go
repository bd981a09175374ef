package checkpoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Remote names the optional remote backend.
type Remote string

const (
	RemoteNone     Remote = "none"
	RemoteSQLite   Remote = "sqlite"
	RemoteLibSQL   Remote = "libsql"
	RemotePostgres Remote = "postgres"
	RemoteRedis    Remote = "redis"
)

// Open returns a FileStore under dir, wrapped in a Fallback when a remote
// backend is configured. The returned closer releases the remote connection.
func Open(ctx context.Context, dir string, remote Remote, dsn string, logger *slog.Logger) (Store, io.Closer, error) {
	local := NewFileStore(dir)

	var (
		store  Store
		closer io.Closer
	)
	switch remote {
	case "", RemoteNone:
		return local, nopCloser{}, nil
	case RemoteSQLite, RemoteLibSQL, RemotePostgres:
		s, err := OpenSQL(ctx, Dialect(remote), dsn)
		if err != nil {
			return nil, nil, err
		}
		store, closer = s, s
	case RemoteRedis:
		s, err := OpenRedis(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		store, closer = s, s
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint remote %q", remote)
	}
	return &Fallback{Local: local, Remote: store, Logger: logger}, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
