// Package transcript discovers JSONL conversation transcripts, reads them
// incrementally from a byte cursor and groups the messages into chunks for
// extraction.
package transcript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern matches every JSONL file below a root.
const DefaultPattern = "**/*.jsonl"

// maxLineBytes bounds a single transcript line.
const maxLineBytes = 8 << 20

// FileInfo describes one discovered transcript file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Source enumerates transcript files below a set of roots.
type Source struct {
	roots    []string
	patterns []string
}

// NewSource creates a source over roots. Empty patterns default to
// DefaultPattern.
func NewSource(roots, patterns []string) *Source {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, filepath.Clean(r))
		}
	}
	return &Source{roots: cleaned, patterns: patterns}
}

// Roots returns the configured root directories.
func (s *Source) Roots() []string {
	return append([]string(nil), s.roots...)
}

// Discover returns every file under the roots that matches a pattern,
// sorted by path. Missing roots are logged and skipped.
func (s *Source) Discover(ctx context.Context) ([]FileInfo, error) {
	seen := make(map[string]FileInfo)

	for _, root := range s.roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(root)
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("transcript: WARNING: root %s does not exist", root)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat root %s: %w", root, err)
		}
		if !info.IsDir() {
			seen[root] = FileInfo{Path: root, Size: info.Size(), ModTime: info.ModTime()}
			continue
		}

		fsys := os.DirFS(root)
		for _, pattern := range s.patterns {
			matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("bad transcript pattern %q: %w", pattern, err)
			}
			for _, rel := range matches {
				path := filepath.Join(root, filepath.FromSlash(rel))
				if _, ok := seen[path]; ok {
					continue
				}
				fi, err := os.Stat(path)
				if err != nil {
					continue // removed between glob and stat
				}
				seen[path] = FileInfo{Path: path, Size: fi.Size(), ModTime: fi.ModTime()}
			}
		}
	}

	files := make([]FileInfo, 0, len(seen))
	for _, f := range seen {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Matches reports whether path lies under a root and matches a pattern.
func (s *Source) Matches(path string) bool {
	path = filepath.Clean(path)
	for _, root := range s.roots {
		if path == root {
			return true
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		for _, pattern := range s.patterns {
			if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
				return true
			}
		}
	}
	return false
}

// ReadFrom yields the records of path starting at byte pos. The sequence is
// lazy and ends at the last newline-terminated line; a trailing partial line
// is left for a later call. Malformed lines yield a *ParseError together with
// a Record carrying only the line's byte range, and the sequence continues.
// Any other error ends the sequence.
func (s *Source) ReadFrom(ctx context.Context, path string, pos int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Record{}, fmt.Errorf("failed to open transcript: %w", err))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			yield(Record{}, fmt.Errorf("failed to stat transcript: %w", err))
			return
		}
		if pos > info.Size() {
			log.Printf("transcript: WARNING: %s is shorter (%d bytes) than its cursor %d; waiting for new data", path, info.Size(), pos)
			return
		}
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			yield(Record{}, fmt.Errorf("failed to seek transcript: %w", err))
			return
		}

		reader := bufio.NewReaderSize(f, 64*1024)
		offset := pos

		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}

			line, n, err := readLine(reader)
			if errors.Is(err, io.EOF) {
				return // partial or no line left
			}
			if err != nil && !errors.Is(err, errLineTooLong) {
				yield(Record{}, fmt.Errorf("failed to read transcript at byte %d: %w", offset, err))
				return
			}

			start, end := offset, offset+n
			offset = end

			var rec Record
			var reason string
			if err != nil {
				reason = err.Error()
			} else {
				body := strings.TrimSpace(string(line))
				if body == "" {
					continue
				}
				rec, reason = parseLine(body)
			}
			if reason != "" {
				log.Printf("transcript: skipping malformed line in %s at byte %d: %s", path, start, reason)
				if !yield(Record{Start: start, End: end}, &ParseError{Path: path, Start: start, End: end, Reason: reason}) {
					return
				}
				continue
			}

			rec.Start, rec.End = start, end
			if !yield(rec, nil) {
				return
			}
		}
	}
}

var errLineTooLong = fmt.Errorf("line exceeds %d bytes", maxLineBytes)

// readLine returns one newline-terminated line including the newline and
// the number of bytes consumed. io.EOF is returned when no complete line
// remains. An oversized line is consumed and reported as errLineTooLong.
func readLine(r *bufio.Reader) ([]byte, int64, error) {
	var line []byte
	var n int64
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		n += int64(len(chunk))
		if !oversized {
			line = append(line, chunk...)
			if len(line) > maxLineBytes {
				oversized, line = true, nil
			}
		}
		if err == nil {
			if oversized {
				return nil, n, errLineTooLong
			}
			return line, n, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, n, err
	}
}
