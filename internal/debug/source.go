package debug

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dshills/dapper/internal/dap"
)

// SourceKind distinguishes the two flavors of adapter-reported sources.
type SourceKind int

const (
	// FileSource is a source backed by a file on disk.
	FileSource SourceKind = iota
	// VirtualSource exists only inside the adapter and is addressed by a
	// sourceReference; its content comes from the source request.
	VirtualSource
)

// String returns the kind name.
func (k SourceKind) String() string {
	switch k {
	case FileSource:
		return "file"
	case VirtualSource:
		return "virtual"
	default:
		return "unknown"
	}
}

// Source is one source a Session has discovered. It is a tagged variant
// rather than a duck-typed bag: callers that need a file path go through
// AsFile instead of probing fields.
type Source struct {
	session   *Session
	kind      SourceKind
	name      string
	path      string
	reference int
}

func newSource(s *Session, ds dap.Source) *Source {
	src := &Source{
		session: s,
		name:    ds.Name,
	}
	if ds.Path != "" {
		src.kind = FileSource
		src.path = ds.Path
		src.reference = ds.SourceReference
	} else {
		src.kind = VirtualSource
		src.reference = ds.SourceReference
	}
	return src
}

// sourceKey is the identity of a source within one session: the path for
// file sources, the adapter reference otherwise.
func sourceKey(ds dap.Source) string {
	if ds.Path != "" {
		return ds.Path
	}
	return "ref:" + strconv.Itoa(ds.SourceReference)
}

// Key returns the source's identity within its session.
func (s *Source) Key() string {
	if s.kind == FileSource {
		return s.path
	}
	return "ref:" + strconv.Itoa(s.reference)
}

// Kind returns whether the source is file-backed or virtual.
func (s *Source) Kind() SourceKind {
	return s.kind
}

// Name returns the adapter-reported display name.
func (s *Source) Name() string {
	return s.name
}

// Session returns the owning session.
func (s *Source) Session() *Session {
	return s.session
}

// AsFile returns the on-disk path when the source is file-backed.
func (s *Source) AsFile() (string, bool) {
	if s.kind == FileSource {
		return s.path, true
	}
	return "", false
}

// Reference returns the adapter source reference (0 for plain files).
func (s *Source) Reference() int {
	return s.reference
}

// Content returns the source text: read from disk for file sources,
// fetched through the adapter for virtual ones.
func (s *Source) Content(ctx context.Context) (string, error) {
	if path, ok := s.AsFile(); ok && s.reference == 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read source %s: %w", path, err)
		}
		return string(data), nil
	}

	body, err := s.session.client.SourceContent(ctx, dap.SourceArguments{
		SourceReference: s.reference,
	})
	if err != nil {
		return "", err
	}
	return body.Content, nil
}

// toDAP rebuilds the wire shape for requests scoped to this source.
func (s *Source) toDAP() dap.Source {
	return dap.Source{
		Name:            s.name,
		Path:            s.path,
		SourceReference: s.reference,
	}
}
