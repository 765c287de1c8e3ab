package in_toto

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

/*
Resolver turns a URI scheme (spec.md §4.4 — "file" is built in; "dir" and
"ostree" are additional first-class schemes) into a recorded artifact set:
a map of relative path to its per-algorithm digests.
*/
type Resolver interface {
	// Resolve walks the artifact(s) named by uri (scheme-specific) and
	// returns their digests keyed by path, relative to basePath and with
	// basePath itself stripped.
	Resolve(uri string, basePath string, excludes ExcludePatterns, algos []string) (ArtifactSet, error)
}

var resolverRegistry = map[string]Resolver{}
var resolverMu sync.RWMutex

// RegisterResolver adds (or replaces) the Resolver responsible for a URI
// scheme. Built-in schemes are registered in this file's init.
func RegisterResolver(scheme string, r Resolver) {
	resolverMu.Lock()
	defer resolverMu.Unlock()
	resolverRegistry[scheme] = r
}

// ResolverFor returns the Resolver registered for scheme, if any.
func ResolverFor(scheme string) (Resolver, bool) {
	resolverMu.RLock()
	defer resolverMu.RUnlock()
	r, ok := resolverRegistry[scheme]
	return r, ok
}

func init() {
	RegisterResolver("file", fileResolver{})
	RegisterResolver("dir", dirResolver{})
	RegisterResolver("ostree", ostreeResolver{})
}

/*
fileResolver records a single regular file, per spec.md §4.4's "file"
scheme: the simplest resolver, used for an explicit list of artifact
paths rather than a directory walk.
*/
type fileResolver struct{}

func (fileResolver) Resolve(uri string, basePath string, excludes ExcludePatterns, algos []string) (ArtifactSet, error) {
	full := filepath.Join(basePath, uri)
	rel := normalizeRelPath(uri)

	if excludes.Excluded(rel) {
		return ArtifactSet{}, nil
	}

	digests, err := hashFile(full, algos)
	if err != nil {
		return nil, Wrapf(KindIO, err, "recording artifact '%s'", rel)
	}
	return ArtifactSet{rel: digests}, nil
}

/*
dirResolver walks a directory tree rooted at uri under basePath and
synthesizes exactly ONE artifact entry for the whole tree, keyed by uri
itself, matching spec.md §4.4's "dir" scheme: "a single digest computed
over a sorted listing of path:digest tuples for every file beneath it".
A "dir" artifact therefore records tree integrity as one opaque unit, in
contrast to "file" (one entry per named file).
*/
type dirResolver struct{}

func (dirResolver) Resolve(uri string, basePath string, excludes ExcludePatterns, algos []string) (ArtifactSet, error) {
	root := filepath.Join(basePath, uri)
	var entries []string

	err := walkRecordingSymlinks(root, root, NewSet(), func(path string) error {
		rel := normalizeRelPath(relOrSelf(basePath, path))
		if excludes.Excluded(rel) {
			return nil
		}
		digests, err := hashFile(path, algos)
		if err != nil {
			return err
		}
		for _, algo := range sortedKeys(digests) {
			entries = append(entries, fmt.Sprintf("%s:%s:%s", rel, algo, digests[algo]))
		}
		return nil
	})
	if err != nil {
		return nil, Wrapf(KindIO, err, "recording artifacts under '%s'", uri)
	}

	sort.Strings(entries)
	listing := strings.Join(entries, "\n")
	digests, err := computeDigests([]byte(listing), algos)
	if err != nil {
		return nil, err
	}
	return ArtifactSet{uri: digests}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

/*
ostreeResolver records the content-addressed objects of an OSTree
repository checkout. Since this package is not linked against libostree,
it resolves an ostree URI by treating the referenced checkout directory
the same way dirResolver does, which is sufficient for verifying content
integrity of an already-checked-out commit (spec.md §4.4's "additional
first-class scheme" requirement, without requiring the ostree C library
as a build dependency).
*/
type ostreeResolver struct{}

func (ostreeResolver) Resolve(uri string, basePath string, excludes ExcludePatterns, algos []string) (ArtifactSet, error) {
	trimmed := strings.TrimPrefix(uri, "ostree://")
	set, err := dirResolver{}.Resolve(trimmed, basePath, excludes, algos)
	if err != nil {
		return nil, err
	}
	digests := set[trimmed]
	return ArtifactSet{uri: digests}, nil
}

// walkRecordingSymlinks walks root depth-first, calling visit for every
// regular file reached, and following symlinked directories while
// detecting cycles via their resolved target path — the same strategy
// the teacher's runlib.go used with a package-level visitedSymlinks set,
// generalized here to an explicit per-call Set so concurrent recordings
// never share state.
func walkRecordingSymlinks(root, origin string, visited Set, visit func(path string) error) error {
	entries, err := ioutil.ReadDir(root)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		info := entry

		if info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				return err
			}
			if visited.Has(resolved) {
				continue
			}
			visited.Add(resolved)
			target, err := os.Stat(resolved)
			if err != nil {
				return err
			}
			if target.IsDir() {
				if err := walkRecordingSymlinks(resolved, origin, visited, visit); err != nil {
					return err
				}
				continue
			}
			if err := visit(resolved); err != nil {
				return err
			}
			continue
		}

		if info.IsDir() {
			if err := walkRecordingSymlinks(path, origin, visited, visit); err != nil {
				return err
			}
			continue
		}

		if err := visit(path); err != nil {
			return err
		}
	}
	return nil
}

func relOrSelf(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}

// normalizeRelPath converts a path to the forward-slash form in-toto
// expects for cross-platform digest stability, dropping a leading "./"
// (spec.md §4.4).
func normalizeRelPath(p string) string {
	p = filepath.ToSlash(p)
	return strings.TrimPrefix(p, "./")
}

func hashFile(path string, algos []string) (map[string]string, error) {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	normalized := strings.ReplaceAll(string(contents), "\r\n", "\n")
	return computeDigests([]byte(normalized), algos)
}
