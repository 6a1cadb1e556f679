package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ValentinKolb/hKV/lib/checkpoint/common"
	"github.com/ValentinKolb/hKV/lib/checkpoint/serializer"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("checkpoint")

const (
	indexDir     = "index-checkpoints"
	logDir       = "log-checkpoints"
	infoFile     = "info.meta"
	indexDumpZst = "index.zst"
)

var (
	// ErrNotFound is returned when a checkpoint does not exist
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrCorruptMeta is returned when a metadata file cannot be decoded
	ErrCorruptMeta = errors.New("checkpoint: corrupt metadata")
)

// Manager handles checkpoint files backed by a directory on disk.
//
// Thread-safety: methods may be called concurrently for different tokens.
type Manager struct {
	dir        string
	serializer serializer.IMetaSerializer
}

// NewManager creates a Manager that stores checkpoints in dir
func NewManager(dir string, s serializer.IMetaSerializer) (*Manager, error) {
	if s == nil {
		s = serializer.NewBinarySerializer()
	}
	for _, sub := range []string{indexDir, logDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
		}
	}
	return &Manager{dir: dir, serializer: s}, nil
}

// Dir returns the root directory
func (m *Manager) Dir() string { return m.dir }

// --------------------------------------------------------------------------
// Index checkpoints
// --------------------------------------------------------------------------

// WriteIndexCheckpoint writes the dump produced by dump and then the info it
// returns. The checkpoint only becomes visible once both are on disk.
func (m *Manager) WriteIndexCheckpoint(token common.Token, dump func(w io.Writer) (common.IndexInfo, error)) (common.IndexInfo, error) {
	dir := filepath.Join(m.dir, indexDir, token.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return common.IndexInfo{}, fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}

	var info common.IndexInfo
	err := writeFileAtomic(filepath.Join(dir, indexDumpZst), func(w io.Writer) error {
		var err error
		info, err = dump(w)
		return err
	})
	if err != nil {
		return common.IndexInfo{}, fmt.Errorf("checkpoint: index dump: %w", err)
	}

	info.Token = token
	if err := m.writeMeta(dir, common.Metadata{Kind: common.KindIndex, Index: &info}); err != nil {
		return common.IndexInfo{}, err
	}
	return info, nil
}

// ReadIndexInfo reads the metadata of an index checkpoint
func (m *Manager) ReadIndexInfo(token common.Token) (common.IndexInfo, error) {
	meta, err := m.readMeta(filepath.Join(m.dir, indexDir, token.String()), common.KindIndex)
	if err != nil {
		return common.IndexInfo{}, err
	}
	return *meta.Index, nil
}

// OpenIndexDump opens the compressed index dump of a checkpoint
func (m *Manager) OpenIndexDump(token common.Token) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(m.dir, indexDir, token.String(), indexDumpZst))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: index dump %s", ErrNotFound, token)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open index dump: %w", err)
	}
	return f, nil
}

// ListIndexCheckpoints returns all index checkpoints, oldest first
func (m *Manager) ListIndexCheckpoints() ([]common.IndexInfo, error) {
	var infos []common.IndexInfo
	err := m.list(indexDir, common.KindIndex, func(meta common.Metadata) {
		infos = append(infos, *meta.Index)
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Created.Before(infos[j].Created) })
	return infos, err
}

// --------------------------------------------------------------------------
// Log checkpoints
// --------------------------------------------------------------------------

// WriteLogCheckpoint writes the metadata of a log checkpoint
func (m *Manager) WriteLogCheckpoint(info common.LogInfo) error {
	dir := filepath.Join(m.dir, logDir, info.Token.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}
	return m.writeMeta(dir, common.Metadata{Kind: common.KindLog, Log: &info})
}

// ReadLogInfo reads the metadata of a log checkpoint
func (m *Manager) ReadLogInfo(token common.Token) (common.LogInfo, error) {
	meta, err := m.readMeta(filepath.Join(m.dir, logDir, token.String()), common.KindLog)
	if err != nil {
		return common.LogInfo{}, err
	}
	return *meta.Log, nil
}

// ListLogCheckpoints returns all log checkpoints, oldest first
func (m *Manager) ListLogCheckpoints() ([]common.LogInfo, error) {
	var infos []common.LogInfo
	err := m.list(logDir, common.KindLog, func(meta common.Metadata) {
		infos = append(infos, *meta.Log)
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Created.Before(infos[j].Created) })
	return infos, err
}

// --------------------------------------------------------------------------
// Selection and cleanup
// --------------------------------------------------------------------------

// Latest returns the newest log checkpoint together with the newest index
// checkpoint that can be combined with it
func (m *Manager) Latest() (common.IndexInfo, common.LogInfo, error) {
	logs, err := m.ListLogCheckpoints()
	if err != nil {
		return common.IndexInfo{}, common.LogInfo{}, err
	}
	indexes, err := m.ListIndexCheckpoints()
	if err != nil {
		return common.IndexInfo{}, common.LogInfo{}, err
	}

	for i := len(logs) - 1; i >= 0; i-- {
		for j := len(indexes) - 1; j >= 0; j-- {
			if Compatible(indexes[j], logs[i]) {
				return indexes[j], logs[i], nil
			}
		}
	}
	return common.IndexInfo{}, common.LogInfo{}, ErrNotFound
}

// Compatible reports whether an index checkpoint can be recovered together
// with a log checkpoint: the dump must not reach past the flushed log nor
// belong to a newer version than the log's commit points
func Compatible(idx common.IndexInfo, lg common.LogInfo) bool {
	return idx.FinalAddress <= lg.FinalAddress && idx.Version <= lg.Version
}

// Remove deletes both halves of a checkpoint
func (m *Manager) Remove(token common.Token) error {
	for _, sub := range []string{indexDir, logDir} {
		if err := os.RemoveAll(filepath.Join(m.dir, sub, token.String())); err != nil {
			return fmt.Errorf("checkpoint: remove %s: %w", token, err)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (m *Manager) writeMeta(dir string, meta common.Metadata) error {
	data, err := m.serializer.Serialize(meta)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s metadata: %w", meta.Kind, err)
	}
	return writeFileAtomic(filepath.Join(dir, infoFile), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (m *Manager) readMeta(dir string, kind common.Kind) (common.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, infoFile))
	if errors.Is(err, os.ErrNotExist) {
		return common.Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(dir))
	}
	if err != nil {
		return common.Metadata{}, fmt.Errorf("checkpoint: read metadata: %w", err)
	}

	var meta common.Metadata
	if err := m.serializer.Deserialize(data, &meta); err != nil {
		return common.Metadata{}, fmt.Errorf("%w: %v", ErrCorruptMeta, err)
	}
	if meta.Kind != kind || (kind == common.KindIndex && meta.Index == nil) || (kind == common.KindLog && meta.Log == nil) {
		return common.Metadata{}, fmt.Errorf("%w: expected %s metadata", ErrCorruptMeta, kind)
	}
	return meta, nil
}

func (m *Manager) list(sub string, kind common.Kind, fn func(common.Metadata)) error {
	entries, err := os.ReadDir(filepath.Join(m.dir, sub))
	if err != nil {
		return fmt.Errorf("checkpoint: list %s: %w", sub, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := m.readMeta(filepath.Join(m.dir, sub, e.Name()), kind)
		if errors.Is(err, ErrNotFound) {
			// incomplete checkpoint
			continue
		}
		if err != nil {
			Logger.Warningf("skipping checkpoint %s: %v", e.Name(), err)
			continue
		}
		fn(meta)
	}
	return nil
}

// writeFileAtomic writes a file through a temporary file that is synced
// and renamed into place
func writeFileAtomic(path string, write func(w io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", tmp, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", tmp, err)
	}
	return nil
}
