package lifecycle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/qabridge/backend/internal/similarity"
	"github.com/qabridge/backend/internal/storage/models"
)

const (
	minQuestionLen = 3
	minAnswerLen   = 5
)

// exportRecord is one line of the training export.
type exportRecord struct {
	ID       int64  `json:"id"`
	SourceID int64  `json:"source_id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Language string `json:"language"`
}

type exportResult struct {
	backupPath string
	written    int
	present    int
	skipped    int
	byLanguage map[string]int
}

// writeExport appends the examples not yet present in the file at path. The
// previous file is copied to backupDir first and the new content replaces it
// by rename, so readers see either the old or the new file.
func writeExport(path, backupDir string, examples []models.TrainingExample, now time.Time) (exportResult, error) {
	res := exportResult{byLanguage: make(map[string]int)}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return res, fmt.Errorf("failed to read export file: %w", err)
	}
	present, err := exportedIDs(existing)
	if err != nil {
		return res, err
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, ex := range examples {
		if present[ex.ID] {
			res.present++
			continue
		}
		rec := exportRecord{
			ID:       ex.ID,
			SourceID: ex.SourceInteractionID,
			Question: strings.TrimSpace(similarity.PlainText(ex.Question)),
			Answer:   strings.TrimSpace(similarity.PlainText(ex.Answer)),
			Language: ex.Language.ExportName(),
		}
		if utf8.RuneCountInString(rec.Question) < minQuestionLen || utf8.RuneCountInString(rec.Answer) < minAnswerLen {
			res.skipped++
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return res, fmt.Errorf("failed to encode example %d: %w", ex.ID, err)
		}
		res.written++
		res.byLanguage[rec.Language]++
	}

	if res.written == 0 && len(existing) > 0 {
		return res, nil
	}

	if len(existing) > 0 && backupDir != "" {
		res.backupPath, err = backup(path, backupDir, existing, now)
		if err != nil {
			return res, err
		}
	}

	if err := replaceFile(path, buf.Bytes()); err != nil {
		return res, err
	}
	return res, nil
}

func exportedIDs(data []byte) (map[int64]bool, error) {
	ids := make(map[int64]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec struct {
			ID *int64 `json:"id"`
		}
		// Lines written by hand or by older tools may lack an id; they are
		// kept but cannot suppress a record.
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == nil {
			continue
		}
		ids[*rec.ID] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan export file: %w", err)
	}
	return ids, nil
}

func backup(path, dir string, data []byte, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(path), now.Format("20060102T150405.000000000"))
	dst := filepath.Join(dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return dst, nil
}

func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp export file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write export file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set export file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace export file: %w", err)
	}
	return nil
}
