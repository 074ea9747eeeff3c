package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
)

const (
	resultFile   = "result.json"
	metadataFile = "metadata.json"
)

// Store is a schema-keyed content-addressed store of simulation and
// aggregation results on the local filesystem. The presence of both
// result.json and metadata.json defines a committed entry; artifacts are
// always written first, so a partially written directory never reads as a
// cache hit.
type Store struct {
	root      string
	schema    Schema
	inlineMax int64
	mirror    *Mirror // optional async replication
}

// NewStore opens (creating if needed) a store rooted at root.
func NewStore(root string, schema Schema, inlineMax int64) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("provenance schema: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, schema.Root()), 0o755); err != nil {
		return nil, fmt.Errorf("creating provenance root: %w", err)
	}
	return &Store{root: root, schema: schema, inlineMax: inlineMax}, nil
}

// SetMirror attaches an asynchronous remote mirror; committed directories
// are replicated after each put. The local tree remains the source of truth.
func (s *Store) SetMirror(m *Mirror) { s.mirror = m }

// Root returns the store's filesystem root.
func (s *Store) Root() string { return s.root }

// simVars builds the template variables for one task.
func (s *Store) simVars(bundleDigest string, task engine.SimTask) map[string]string {
	return map[string]string{
		"bundle_digest": bundleDigest,
		"param_id":      task.Params.ParamID(),
		"seed":          strconv.FormatInt(task.Seed, 10),
		"entrypoint":    pathSafe(task.Entrypoint),
		"sim_root":      task.SimRoot(),
		"task_id":       task.TaskID(),
	}
}

// SimRelPath returns the store-relative committed directory for a task,
// including the schema root (e.g. "token/v1/sims/...").
func (s *Store) SimRelPath(bundleDigest string, task engine.SimTask) (string, error) {
	p, err := s.schema.SimPath(s.simVars(bundleDigest, task))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.schema.Root(), p), nil
}

// SpecRelPath is SimRelPath for manifest generation, where only the
// (bundle_digest, param_id, seed) triple is known.
func (s *Store) SpecRelPath(bundleDigest, paramID string, seed int64) (string, error) {
	p, err := s.schema.SimPath(map[string]string{
		"bundle_digest": bundleDigest,
		"param_id":      paramID,
		"seed":          strconv.FormatInt(seed, 10),
	})
	if err != nil {
		return "", err
	}
	return filepath.Join(s.schema.Root(), p), nil
}

// AggRelPath returns the store-relative directory for an aggregation.
func (s *Store) AggRelPath(bundleDigest string, task engine.AggregationTask) (string, error) {
	p, err := s.schema.AggPath(map[string]string{
		"bundle_digest":  bundleDigest,
		"target":         pathSafe(task.TargetEntrypoint),
		"aggregation_id": task.AggregationID(),
	})
	if err != nil {
		return "", err
	}
	return filepath.Join(s.schema.Root(), p), nil
}

// PutSim stores a SimReturn: artifact payloads first, then result.json,
// then metadata.json. Idempotent for the same task (same files rewritten).
func (s *Store) PutSim(bundleDigest string, task engine.SimTask, ret engine.SimReturn) error {
	rel, err := s.SimRelPath(bundleDigest, task)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating sim dir: %w", err)
	}

	// Artifacts first: payload bytes land before either JSON exists.
	stored := make(map[string]engine.TableArtifact, len(ret.Outputs))
	for name, artifact := range ret.Outputs {
		data, err := s.artifactBytes(artifact)
		if err != nil {
			return fmt.Errorf("artifact %q: %w", name, err)
		}
		if err := writeFileAtomic(filepath.Join(dir, artifactFileName(name)), data); err != nil {
			return fmt.Errorf("writing artifact %q: %w", name, err)
		}
		stored[name] = engine.NewRefArtifact(artifact.Checksum, artifact.Size)
	}

	onDisk := ret
	onDisk.Outputs = stored
	if err := writeJSONAtomic(filepath.Join(dir, resultFile), onDisk); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	meta := map[string]any{
		"bundle_ref":   task.BundleRef,
		"entrypoint":   task.Entrypoint,
		"param_values": task.Params.Values(),
		"param_id":     task.Params.ParamID(),
		"seed":         task.Seed,
		"task_id":      ret.TaskID,
		"sim_root":     task.SimRoot(),
	}
	if err := writeJSONAtomic(filepath.Join(dir, metadataFile), meta); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	if s.mirror != nil {
		s.mirror.Replicate(rel)
	}
	return nil
}

// GetSim returns the cached SimReturn for a task, or nil on a miss.
// Artifacts at or under the inline threshold are rehydrated to inline form;
// larger ones keep their cas:// reference for downstream resolution.
func (s *Store) GetSim(bundleDigest string, task engine.SimTask) (*engine.SimReturn, error) {
	rel, err := s.SimRelPath(bundleDigest, task)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, rel)
	if !committed(dir) {
		return nil, nil
	}

	raw, err := os.ReadFile(filepath.Join(dir, resultFile))
	if err != nil {
		return nil, nil
	}
	var ret engine.SimReturn
	if err := json.Unmarshal(raw, &ret); err != nil {
		logrus.Warnf("malformed result.json in %s: %v", rel, err)
		return nil, nil
	}

	for name, artifact := range ret.Outputs {
		if artifact.Size > s.inlineMax {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, artifactFileName(name)))
		if err != nil {
			logrus.Warnf("missing artifact %q in %s: %v", name, rel, err)
			return nil, nil
		}
		if engine.HashHex(data) != artifact.Checksum {
			logrus.Warnf("artifact %q in %s fails checksum, treating as miss", name, rel)
			return nil, nil
		}
		ret.Outputs[name] = engine.NewInlineArtifact(data)
	}
	return &ret, nil
}

// PutAgg stores an AggregationReturn under the aggregation path.
func (s *Store) PutAgg(bundleDigest string, task engine.AggregationTask, ret engine.AggregationReturn) error {
	rel, err := s.AggRelPath(bundleDigest, task)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating agg dir: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, resultFile), ret); err != nil {
		return fmt.Errorf("writing agg result: %w", err)
	}
	taskIDs := make([]string, 0, len(task.SimReturns))
	for _, sr := range task.SimReturns {
		taskIDs = append(taskIDs, sr.TaskID)
	}
	meta := map[string]any{
		"bundle_ref":        task.BundleRef,
		"target_entrypoint": task.TargetEntrypoint,
		"aggregation_id":    ret.AggregationID,
		"task_ids":          taskIDs,
		"n_replicates":      ret.NReplicates,
	}
	if err := writeJSONAtomic(filepath.Join(dir, metadataFile), meta); err != nil {
		return fmt.Errorf("writing agg metadata: %w", err)
	}
	if s.mirror != nil {
		s.mirror.Replicate(rel)
	}
	return nil
}

// GetAgg returns the cached AggregationReturn, or nil on a miss.
func (s *Store) GetAgg(bundleDigest string, task engine.AggregationTask) (*engine.AggregationReturn, error) {
	rel, err := s.AggRelPath(bundleDigest, task)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, rel)
	if !committed(dir) {
		return nil, nil
	}
	raw, err := os.ReadFile(filepath.Join(dir, resultFile))
	if err != nil {
		return nil, nil
	}
	var ret engine.AggregationReturn
	if err := json.Unmarshal(raw, &ret); err != nil {
		logrus.Warnf("malformed agg result.json in %s: %v", rel, err)
		return nil, nil
	}
	return &ret, nil
}

// Exists reports whether the store-relative path holds a committed entry.
func (s *Store) Exists(relPath string) bool {
	return committed(filepath.Join(s.root, relPath))
}

// PutBlob writes data into the content-addressed blob area, returning its
// checksum. Safe for concurrent writers: same content lands at same path.
func (s *Store) PutBlob(data []byte) (string, error) {
	checksum := engine.HashHex(data)
	path := s.blobPath(checksum)
	if _, err := os.Stat(path); err == nil {
		return checksum, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating blob dir: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	return checksum, nil
}

// GetBlob reads a blob by checksum.
func (s *Store) GetBlob(checksum string) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(checksum))
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", checksum[:minInt(12, len(checksum))], err)
	}
	return data, nil
}

func (s *Store) blobPath(checksum string) string {
	return filepath.Join(s.root, "cas", checksum[:2], checksum[2:4], checksum)
}

// artifactBytes resolves an artifact's payload, inline or via the blob area.
func (s *Store) artifactBytes(a engine.TableArtifact) ([]byte, error) {
	if a.IsInline() {
		return a.Inline, nil
	}
	return s.GetBlob(a.CASChecksum())
}

// ResolveArtifact returns an artifact with its payload inline, fetching
// cas:// references from the blob area.
func (s *Store) ResolveArtifact(a engine.TableArtifact) (engine.TableArtifact, error) {
	if a.IsInline() {
		return a, nil
	}
	data, err := s.GetBlob(a.CASChecksum())
	if err != nil {
		return a, err
	}
	return engine.NewInlineArtifact(data), nil
}

// TryReadJSON reads a store-relative JSON file, returning nil on missing or
// malformed content (tolerant read).
func (s *Store) TryReadJSON(relPath string) map[string]any {
	raw, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		return nil
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}

// AtomicRename swaps dst to src in one step; used by dataset writers for
// swap-in-place updates. Paths are store-relative.
func (s *Store) AtomicRename(srcRel, dstRel string) error {
	src := filepath.Join(s.root, srcRel)
	dst := filepath.Join(s.root, dstRel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func committed(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, resultFile)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, metadataFile)); err != nil {
		return false
	}
	return true
}

func artifactFileName(name string) string {
	return "artifact_" + pathSafe(name) + ".arrow"
}

// pathSafe replaces path-hostile characters in entrypoint-like strings.
func pathSafe(v string) string {
	v = strings.ReplaceAll(v, ":", "__")
	v = strings.ReplaceAll(v, "/", "__")
	return v
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
