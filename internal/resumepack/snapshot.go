// Package resumepack materializes a run into a portable, hash-manifested
// bundle and can reverse that into a fresh run directory.
package resumepack

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/ledger"
	"github.com/sp103107/context-module/internal/schema"
)

const SchemaVersion = "2.1"

// Canonical relative paths inside a pack.
const (
	ManifestName = "manifest.json"
	WSRelPath    = "state/working_set.json"
	LedgerRel    = "ledger/run.jsonl"
	EpisodeRel   = "episodes/latest.json"
)

type FileStat struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

type Manifest struct {
	SchemaVersion string              `json:"_schema_version"`
	PackID        string              `json:"pack_id"`
	RunID         string              `json:"run_id"`
	CreatedAt     string              `json:"created_at"`
	Files         map[string]FileStat `json:"files"`
	Pointers      map[string]any      `json:"pointers"`
}

type SnapshotRequest struct {
	RunDir   string
	RunID    string
	Zip      bool
	Pointers map[string]any
	// Include lists doublestar globs (relative to the run dir) for extra
	// artifacts to carry in the pack. The resume/ subtree is never packed.
	Include []string
}

type SnapshotResult struct {
	PackID   string
	Path     string
	Manifest *Manifest
}

// Snapshot stages the run's canonical files plus any included artifacts,
// writes the manifest, and materializes the pack atomically as a
// directory or zip under <run>/resume/.
func Snapshot(req SnapshotRequest) (*SnapshotResult, error) {
	packID := "pack_" + ulid.Make().String()
	resumeDir := filepath.Join(req.RunDir, "resume")
	stage := filepath.Join(resumeDir, ".stage-"+packID)
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}
	defer func() { _ = os.RemoveAll(stage) }()

	rels, err := collectFiles(req)
	if err != nil {
		return nil, err
	}

	files := map[string]FileStat{}
	for _, rel := range rels {
		src := filepath.Join(req.RunDir, filepath.FromSlash(rel.src))
		dst := filepath.Join(stage, filepath.FromSlash(rel.dst))
		if err := copyFile(src, dst); err != nil {
			return nil, fault.Wrap(fault.IO, err)
		}
		stat, err := hashFile(dst)
		if err != nil {
			return nil, fault.Wrap(fault.IO, err)
		}
		files[rel.dst] = stat
	}

	m := &Manifest{
		SchemaVersion: SchemaVersion,
		PackID:        packID,
		RunID:         req.RunID,
		CreatedAt:     ledger.UTCNow(),
		Files:         files,
		Pointers:      emptyPointers(req.Pointers),
	}
	if err := schema.ValidateValue(schema.KindManifest, m); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(filepath.Join(stage, ManifestName), raw, 0o644); err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}

	var final string
	if req.Zip {
		final = filepath.Join(resumeDir, packID+".zip")
		tmp := filepath.Join(resumeDir, ".tmp-"+packID+".zip")
		if err := zipDir(stage, tmp); err != nil {
			_ = os.Remove(tmp)
			return nil, fault.Wrap(fault.IO, err)
		}
		if err := os.Rename(tmp, final); err != nil {
			_ = os.Remove(tmp)
			return nil, fault.Wrap(fault.IO, err)
		}
	} else {
		final = filepath.Join(resumeDir, packID)
		if err := os.Rename(stage, final); err != nil {
			return nil, fault.Wrap(fault.IO, err)
		}
	}
	return &SnapshotResult{PackID: packID, Path: final, Manifest: m}, nil
}

type packedFile struct {
	src string // relative to run dir, slash-separated
	dst string // relative to pack root, slash-separated
}

func collectFiles(req SnapshotRequest) ([]packedFile, error) {
	var rels []packedFile

	wsPath := filepath.Join(req.RunDir, filepath.FromSlash(WSRelPath))
	if _, err := os.Stat(wsPath); err != nil {
		return nil, fault.New(fault.NotFound, "run %s has no working set", req.RunID)
	}
	if raw, err := os.ReadFile(wsPath); err != nil {
		return nil, fault.Wrap(fault.IO, err)
	} else if err := schema.ValidateJSON(schema.KindWorkingSet, raw); err != nil {
		return nil, err
	}
	rels = append(rels, packedFile{src: WSRelPath, dst: WSRelPath})

	if _, err := os.Stat(filepath.Join(req.RunDir, filepath.FromSlash(LedgerRel))); err == nil {
		rels = append(rels, packedFile{src: LedgerRel, dst: LedgerRel})
	}

	if latest := latestEpisode(filepath.Join(req.RunDir, "episodes")); latest != "" {
		rels = append(rels, packedFile{src: "episodes/" + latest, dst: EpisodeRel})
	}

	if len(req.Include) > 0 {
		extra, err := matchIncludes(req.RunDir, req.Include)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, r := range rels {
			seen[r.dst] = true
		}
		for _, rel := range extra {
			if !seen[rel] {
				rels = append(rels, packedFile{src: rel, dst: rel})
				seen[rel] = true
			}
		}
	}
	return rels, nil
}

// latestEpisode returns the newest episode filename. Episode ids are
// ULIDs, so lexical order is creation order.
func latestEpisode(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "ep_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[len(names)-1]
}

func matchIncludes(runDir string, patterns []string) ([]string, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fault.New(fault.Schema, "invalid include pattern %q", p)
		}
	}
	var out []string
	err := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(runDir, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == "resume" {
				return filepath.SkipDir
			}
			return nil
		}
		for _, p := range patterns {
			ok, merr := doublestar.Match(p, rel)
			if merr != nil {
				return merr
			}
			if ok {
				out = append(out, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}
	sort.Strings(out)
	return out, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func hashFile(path string) (FileStat, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileStat{}, err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileStat{}, err
	}
	return FileStat{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

func zipDir(dir, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		w, cerr := zw.Create(filepath.ToSlash(rel))
		if cerr != nil {
			return cerr
		}
		in, oerr := os.Open(path)
		if oerr != nil {
			return oerr
		}
		defer func() { _ = in.Close() }()
		_, cpErr := io.Copy(w, in)
		return cpErr
	})
	if err != nil {
		_ = zw.Close()
		_ = f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func emptyPointers(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
