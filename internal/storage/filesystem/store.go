package filesystem

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	rawFile      = "raw.eml"
	metadataFile = "metadata.json"
	dateLayout   = "2006-01-02"
)

// ErrNotFound 归档中没有该邮件
var ErrNotFound = errors.New("archived message not found")

// AttachmentMeta 附件元数据，不含内容
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// Record 一封已发送邮件的归档元数据
type Record struct {
	MessageID   string           `json:"message_id"`
	QueueID     string           `json:"queue_id,omitempty"`
	Status      string           `json:"status"`
	From        string           `json:"from"`
	Recipients  []string         `json:"recipients"`
	Subject     string           `json:"subject"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	Size        int              `json:"size"`
	SentAt      time.Time        `json:"sent_at"`
}

// Store 把已发送的邮件按 {YYYY-MM-DD}/{Message-ID}/ 写到本地目录
type Store struct {
	basePath string
}

// NewStore 创建归档存储，目录不存在时自动创建
func NewStore(basePath string) (*Store, error) {
	if err := validateBase(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	path := normalizePath(basePath)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{basePath: path}, nil
}

// BasePath 归档根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// Save 写入原始邮件和元数据，返回相对于根目录的路径
func (s *Store) Save(rec *Record, raw []byte) (string, error) {
	if rec.MessageID == "" {
		return "", fmt.Errorf("message id is required")
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	rec.Size = len(raw)

	dir := s.messagePath(rec.SentAt, rec.MessageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create message directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, rawFile), raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write raw message: %w", err)
	}
	if err := writeMetadata(dir, rec); err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.basePath, dir)
	if err != nil {
		return dir, nil
	}
	return rel, nil
}

// Metadata 读取归档元数据
func (s *Store) Metadata(sentAt time.Time, messageID string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.messagePath(sentAt, messageID), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &rec, nil
}

// Raw 读取归档的原始邮件
func (s *Store) Raw(sentAt time.Time, messageID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.messagePath(sentAt, messageID), rawFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read raw message: %w", err)
	}
	return data, nil
}

// CleanupExpired 删除早于保留天数的归档（按日期目录判断），返回删除的邮件数
func (s *Store) CleanupExpired(retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -retentionDays).Format(dateLayout)

	dateDirs, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, dateDir := range dateDirs {
		if !dateDir.IsDir() {
			continue
		}
		if _, err := time.Parse(dateLayout, dateDir.Name()); err != nil {
			continue
		}
		// 日期目录名按字典序即时间序
		if dateDir.Name() >= cutoff {
			continue
		}

		datePath := filepath.Join(s.basePath, dateDir.Name())
		messages, err := os.ReadDir(datePath)
		if err != nil {
			continue
		}
		for _, m := range messages {
			if m.IsDir() {
				count++
			}
		}
		if err := os.RemoveAll(datePath); err != nil {
			return count, fmt.Errorf("failed to remove %s: %w", datePath, err)
		}
	}
	return count, nil
}

// messagePath 格式: {base}/{YYYY-MM-DD}/{Message-ID}/
func (s *Store) messagePath(sentAt time.Time, messageID string) string {
	return filepath.Join(s.basePath, sentAt.Format(dateLayout), SanitizeName(messageID))
}

func writeMetadata(dir string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, metadataFile))
}
