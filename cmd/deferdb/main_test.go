package main

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/richardartoul/deferdb/records"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args,
		"--backend", "bolt",
		"--path", dbPath,
		"--schema", "testdata/users.yaml",
		"--logLevel", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deferdb.db")

	steps := [][]string{
		{"add", "people", `{"name":"A","email":"a@x.com"}`},
		{"load", "people", "testdata/people.jsonl"},
		{"get", "people", "email", "a@x.com"},
		{"get", "people", "email", "--lower", "b@x.com", "--upper", "d@x.com", "--upperOpen"},
		{"delete", "people", "email", "a@x.com"},
		{"delete", "people", "email", "a@x.com"},
		{"get", "people", "email"},
	}

	var transcript bytes.Buffer
	for _, step := range steps {
		fmt.Fprintf(&transcript, "$ deferdb %s\n", strings.Join(step, " "))
		out, err := execute(t, dbPath, step...)
		require.NoError(t, err, "step: %v", step)
		transcript.WriteString(out)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "session", transcript.Bytes())
}

func TestCommandErrors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deferdb.db")

	_, err := execute(t, dbPath, "add", "people", `{"id":1,"email":"a@x.com"}`)
	require.NoError(t, err)

	_, err = execute(t, dbPath, "add", "people", `{"id":1,"email":"b@x.com"}`)
	require.True(t, records.IsWriteError(err))
	require.ErrorContains(t, err, "ConstraintError")

	_, err = execute(t, dbPath, "add", "people", `not json`)
	require.ErrorContains(t, err, "invalid record JSON")

	_, err = execute(t, dbPath, "get", "people", "missing", "a@x.com")
	require.True(t, records.IsReadError(err))

	_, err = execute(t, dbPath, "get", "people", "email", "a@x.com", "--lower", "a")
	require.EqualError(t, err, "a key and --lower/--upper are mutually exclusive")

	_, err = execute(t, dbPath, "delete", "missing", "email", "a@x.com")
	require.True(t, records.IsDeleteError(err))

	_, err = execute(t, dbPath, "load", "people", "testdata/missing.jsonl")
	require.ErrorContains(t, err, "failed to open records file")

	out, err := execute(t, dbPath, "get", "people", "email", "--internalAddr", "127.0.0.1:0", "--pprof")
	require.NoError(t, err)
	require.Equal(t, "{\"email\":\"a@x.com\",\"id\":1}\n", out)
}

func TestParseKey(t *testing.T) {
	assert.Equal(t, "a@x.com", parseKey("a@x.com"))
	assert.Equal(t, "a@x.com", parseKey(`"a@x.com"`))
	assert.Equal(t, 1.0, parseKey("1"))
	assert.Equal(t, "1", parseKey(`"1"`))
	assert.Equal(t, []any{1.0, "a"}, parseKey(`[1,"a"]`))
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"add", "load", "get", "delete", "version"} {
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, subCmd.Name())
		})
	}

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "deferdb dev\n", out.String())
}
