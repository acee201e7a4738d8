package resumepack

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/fsatomic"
	"github.com/sp103107/context-module/internal/ledger"
	"github.com/sp103107/context-module/internal/schema"
	"github.com/sp103107/context-module/internal/workingset"
)

type LoadRequest struct {
	PackPath string
	RunsRoot string
	NewRunID string // minted when empty
	LockMode fsatomic.LockMode
}

type LoadResult struct {
	RunID      string
	RunDir     string
	PriorRunID string
	PackID     string
	WS         *workingset.WorkingSet
}

// Load opens a pack (directory or zip), verifies every manifest hash,
// materializes a fresh run directory, and appends the synthetic
// RESUME_LOADED event. Packs are self-contained; absolute or traversing
// manifest paths are rejected.
func Load(req LoadRequest) (*LoadResult, error) {
	pr, err := openPack(req.PackPath)
	if err != nil {
		return nil, err
	}
	defer pr.close()

	rawManifest, err := pr.read(ManifestName)
	if err != nil {
		return nil, fault.New(fault.Corruption, "pack %s: manifest: %v", req.PackPath, err).
			With("path", ManifestName)
	}
	if err := schema.ValidateJSON(schema.KindManifest, rawManifest); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(rawManifest, &m); err != nil {
		return nil, fault.New(fault.Corruption, "pack %s: manifest: %v", req.PackPath, err)
	}

	contents := map[string][]byte{}
	for rel, want := range m.Files {
		if filepath.IsAbs(rel) || strings.Contains(rel, "..") {
			return nil, fault.New(fault.Corruption, "pack %s: illegal path %q", req.PackPath, rel).
				With("path", rel)
		}
		raw, err := pr.read(rel)
		if err != nil {
			return nil, fault.New(fault.Corruption, "pack %s: missing file %q", req.PackPath, rel).
				With("path", rel)
		}
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != want.SHA256 || int64(len(raw)) != want.Size {
			return nil, fault.New(fault.Corruption, "pack %s: hash mismatch for %q", req.PackPath, rel).
				With("path", rel)
		}
		contents[rel] = raw
	}

	rawWS, ok := contents[WSRelPath]
	if !ok {
		return nil, fault.New(fault.Corruption, "pack %s: no working set", req.PackPath).
			With("path", WSRelPath)
	}
	if err := schema.ValidateJSON(schema.KindWorkingSet, rawWS); err != nil {
		return nil, err
	}
	if rawEp, ok := contents[EpisodeRel]; ok {
		if err := schema.ValidateJSON(schema.KindEpisode, rawEp); err != nil {
			return nil, err
		}
	}

	runID := req.NewRunID
	if runID == "" {
		runID = "run_" + ulid.Make().String()
	}
	runDir := filepath.Join(req.RunsRoot, runID)
	if _, err := os.Stat(runDir); err == nil {
		return nil, fault.New(fault.Conflict, "run %s already exists", runID)
	}
	for _, sub := range []string{"state", "ledger", "episodes", "resume"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fault.Wrap(fault.IO, err)
		}
	}

	var ws workingset.WorkingSet
	if err := json.Unmarshal(rawWS, &ws); err != nil {
		return nil, fault.New(fault.Corruption, "pack %s: working set: %v", req.PackPath, err)
	}
	ws.RunID = runID

	for rel, raw := range contents {
		if rel == WSRelPath {
			continue
		}
		dst := filepath.Join(runDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fault.Wrap(fault.IO, err)
		}
		if err := os.WriteFile(dst, raw, 0o644); err != nil {
			return nil, fault.Wrap(fault.IO, err)
		}
	}
	rewritten, err := json.MarshalIndent(&ws, "", "  ")
	if err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}
	rewritten = append(rewritten, '\n')
	if err := fsatomic.WriteAtomic(filepath.Join(runDir, filepath.FromSlash(WSRelPath)), rewritten); err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}

	// Recompute lastSequence from the copied ledger and record the load.
	led, err := ledger.Open(filepath.Join(runDir, filepath.FromSlash(LedgerRel)), req.LockMode)
	if err != nil {
		return nil, err
	}
	_, err = led.Append(ledger.NewEvent(runID, ledger.EventResumeLoaded, map[string]any{
		"source_pack_id": m.PackID,
		"prior_run_id":   m.RunID,
	}))
	cerr := led.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, fault.Wrap(fault.IO, cerr)
	}

	return &LoadResult{
		RunID:      runID,
		RunDir:     runDir,
		PriorRunID: m.RunID,
		PackID:     m.PackID,
		WS:         &ws,
	}, nil
}

type packReader interface {
	read(rel string) ([]byte, error)
	close()
}

func openPack(path string) (packReader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.New(fault.NotFound, "pack %s: %v", path, err)
	}
	if info.IsDir() {
		return dirPack{dir: path}, nil
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fault.New(fault.Corruption, "pack %s: not a directory or zip: %v", path, err)
	}
	return &zipPack{r: zr}, nil
}

type dirPack struct{ dir string }

func (p dirPack) read(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(p.dir, filepath.FromSlash(rel)))
}

func (p dirPack) close() {}

type zipPack struct{ r *zip.ReadCloser }

func (p *zipPack) read(rel string) ([]byte, error) {
	f, err := p.r.Open(rel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (p *zipPack) close() { _ = p.r.Close() }
