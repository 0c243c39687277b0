package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentSnapshot：某个版本的完整文档，用来加速加载（只需再折叠快照之后的修订）
type DocumentSnapshot struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"type:varchar(64);uniqueIndex:idx_doc_rev,priority:1"`
	Revision   int64  `gorm:"uniqueIndex:idx_doc_rev,priority:2"`
	Content    string `gorm:"type:longtext"`
	Delta      []byte `gorm:"type:longblob"` // 文档 delta 的 JSON，带属性
	Checksum   string `gorm:"type:char(32)"`
	CreatedAt  time.Time
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// AutoMigrate 建表（开发环境用）
func (s *SnapshotStore) AutoMigrate() error {
	return s.db.AutoMigrate(&DocumentSnapshot{})
}

// SaveDocumentSnapshot 同一 (document_id, revision) 重复写入直接忽略
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, snap DocumentSnapshot) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&snap).Error
}

// LatestSnapshot 没有快照时返回 nil, nil
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, docID string) (*DocumentSnapshot, error) {
	var snap DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("revision DESC").
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// PruneSnapshots 每个文档只保留最近 keep 个快照
func (s *SnapshotStore) PruneSnapshots(ctx context.Context, docID string, keep int) error {
	var cutoff DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("revision DESC").
		Offset(keep - 1).
		First(&cutoff).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.db.WithContext(ctx).
		Where("document_id = ? AND revision < ?", docID, cutoff.Revision).
		Delete(&DocumentSnapshot{}).Error
}
