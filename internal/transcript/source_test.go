package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func collect(t *testing.T, s *Source, path string, pos int64) ([]Record, []*ParseError) {
	t.Helper()
	var recs []Record
	var bad []*ParseError
	for rec, err := range s.ReadFrom(context.Background(), path, pos) {
		var pe *ParseError
		if errors.As(err, &pe) {
			bad = append(bad, pe)
			continue
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs, bad
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.jsonl"), "")
	writeFile(t, filepath.Join(root, "project", "session", "a.jsonl"), "")
	writeFile(t, filepath.Join(root, "notes.txt"), "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir.jsonl"), 0o755))

	s := NewSource([]string{root, filepath.Join(root, "missing")}, nil)
	files, err := s.Discover(context.Background())
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		filepath.Join(root, "b.jsonl"),
		filepath.Join(root, "project", "session", "a.jsonl"),
	}, paths)

	assert.True(t, s.Matches(filepath.Join(root, "x", "y.jsonl")))
	assert.False(t, s.Matches(filepath.Join(root, "y.txt")))
	assert.False(t, s.Matches("/elsewhere/y.jsonl"))
}

func TestReadFrom_ShapesAndOffsets(t *testing.T) {
	lines := []string{
		`{"role":"user","text":"We decided to use PostgreSQL over MySQL.","timestamp":"2026-01-02T10:00:00Z"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Noted."},{"type":"tool_use","name":"edit"}]},"timestamp":1767348060}`,
		``,
		`{"role":"human","content":"plain string content","tool_calls":[{"function":{"name":"grep"}}]}`,
	}
	content := strings.Join(lines, "\n") + "\n"
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, content)

	s := NewSource(nil, nil)
	recs, bad := collect(t, s, path, 0)
	require.Empty(t, bad)
	require.Len(t, recs, 3)

	assert.Equal(t, RoleUser, recs[0].Role)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), recs[0].Timestamp)
	assert.Equal(t, int64(0), recs[0].Start)
	assert.Equal(t, int64(len(lines[0])+1), recs[0].End)

	assert.Equal(t, RoleAssistant, recs[1].Role)
	assert.Equal(t, "Noted.", recs[1].Text)
	assert.Equal(t, []string{"edit"}, recs[1].ToolCalls)
	assert.Equal(t, time.Unix(1767348060, 0).UTC(), recs[1].Timestamp)

	assert.Equal(t, RoleUser, recs[2].Role)
	assert.Equal(t, []string{"grep"}, recs[2].ToolCalls)
	assert.Equal(t, int64(len(content)), recs[2].End)

	// Resuming from the second record's start yields the tail only.
	tail, _ := collect(t, s, path, recs[1].Start)
	require.Len(t, tail, 2)
	assert.Equal(t, recs[1], tail[0])

	// Resuming exactly at EOF yields nothing.
	none, _ := collect(t, s, path, int64(len(content)))
	assert.Empty(t, none)
}

func TestReadFrom_MalformedLinesAreSkipped(t *testing.T) {
	content := `{"role":"user","text":"first"}` + "\n" +
		`{not json` + "\n" +
		`{"role":"narrator","text":"who"}` + "\n" +
		`{"role":"assistant","text":"  "}` + "\n" +
		`{"role":"assistant","text":"last"}` + "\n"
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	writeFile(t, path, content)

	recs, bad := collect(t, NewSource(nil, nil), path, 0)
	require.Len(t, recs, 2)
	require.Len(t, bad, 3)
	assert.Equal(t, "first", recs[0].Text)
	assert.Equal(t, "last", recs[1].Text)
	assert.Contains(t, bad[1].Reason, "unknown role")
	assert.Contains(t, bad[2].Reason, "empty text")
	assert.Equal(t, recs[0].End, bad[0].Start)
}

func TestReadFrom_PartialTrailingLine(t *testing.T) {
	complete := `{"role":"user","text":"done"}` + "\n"
	path := filepath.Join(t.TempDir(), "p.jsonl")
	writeFile(t, path, complete+`{"role":"assistant","te`)

	s := NewSource(nil, nil)
	recs, _ := collect(t, s, path, 0)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(len(complete)), recs[0].End)

	// Once the writer finishes the line it becomes readable.
	writeFile(t, path, complete+`{"role":"assistant","text":"ok"}`+"\n")
	recs, _ = collect(t, s, path, int64(len(complete)))
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Text)
}

func TestReadFrom_CursorBeyondEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.jsonl")
	writeFile(t, path, `{"role":"user","text":"x"}`+"\n")

	recs, bad := collect(t, NewSource(nil, nil), path, 10_000)
	assert.Empty(t, recs)
	assert.Empty(t, bad)
}

func TestReadFrom_MissingFile(t *testing.T) {
	var gotErr error
	for _, err := range NewSource(nil, nil).ReadFrom(context.Background(), "/nonexistent/x.jsonl", 0) {
		gotErr = err
	}
	assert.Error(t, gotErr)
}

func TestReadFrom_StopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.jsonl")
	writeFile(t, path, strings.Repeat(`{"role":"user","text":"x"}`+"\n", 5))

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	var last error
	for _, err := range NewSource(nil, nil).ReadFrom(ctx, path, 0) {
		if err != nil {
			last = err
			break
		}
		count++
		cancel()
	}
	assert.Equal(t, 1, count)
	assert.ErrorIs(t, last, context.Canceled)
}
