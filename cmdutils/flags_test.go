package cmdutils

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/richardartoul/deferdb/kv"

	"github.com/stretchr/testify/require"
)

func TestParseLog(t *testing.T) {
	var buf bytes.Buffer
	log, err := ParseLog(&buf, "warn", "json")
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("kept")
	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), `"msg":"kept"`)

	buf.Reset()
	log, err = ParseLog(&buf, "debug", "text")
	require.NoError(t, err)
	log.Debug("kept")
	require.Contains(t, buf.String(), "msg=kept")

	_, err = ParseLog(&buf, "trace", "text")
	require.EqualError(t, err, "invalid log level: trace")
	_, err = ParseLog(&buf, "info", "xml")
	require.EqualError(t, err, "invalid log format: xml")
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	testCases := []struct {
		backend string
		path    string
	}{
		{backend: BackendMemory},
		{backend: BackendBolt, path: filepath.Join(dir, "db.bolt")},
		{backend: BackendPebble},
		{backend: BackendPebble, path: filepath.Join(dir, "pebble")},
		{backend: BackendSQLite, path: filepath.Join(dir, "db.sqlite")},
	}
	for _, tc := range testCases {
		t.Run(tc.backend+"/"+filepath.Base(tc.path), func(t *testing.T) {
			s, err := OpenBackend(ctx, tc.backend, tc.path, "")
			require.NoError(t, err)
			defer func() {
				require.NoError(t, s.Close(ctx))
			}()

			_, err = kv.Transact(ctx, s, true, func(tr kv.Transaction) (any, error) {
				return nil, tr.Put(ctx, []byte("k"), []byte("v"))
			})
			require.NoError(t, err)
		})
	}

	_, err := OpenBackend(ctx, BackendBolt, "", "")
	require.EqualError(t, err, "backend: bolt requires a path")
	_, err = OpenBackend(ctx, BackendPostgres, "", "")
	require.EqualError(t, err, "backend: postgres requires a dsn")
	_, err = OpenBackend(ctx, "etcd", "", "")
	require.ErrorContains(t, err, "unknown backend: etcd")
}
