package mysql

import (
	"context"
	"crypto"
	"database/sql"
	"fmt"
	"strings"
	"time"

	xerrors "hatago-plugin-host/internal/errors"
	"hatago-plugin-host/pkg/signing"
)

// KeyRecord 是 trusted_keys 表中的一行。
type KeyRecord struct {
	KeyID        string
	Algorithm    signing.Algorithm
	PublicKeyPEM string
	Trusted      bool
	Issuer       string
	Subject      string
	ValidFrom    *time.Time
	ValidTo      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Metadata 转换为签名模块使用的元数据。
func (r KeyRecord) Metadata() signing.KeyMetadata {
	return signing.KeyMetadata{
		Algorithm: r.Algorithm,
		Issuer:    r.Issuer,
		Subject:   r.Subject,
		ValidFrom: r.ValidFrom,
		ValidTo:   r.ValidTo,
	}
}

// KeyStore 使用 MySQL 持久化受信任的签名公钥。
type KeyStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewKeyStore 建立连接池并执行迁移。
func NewKeyStore(ctx context.Context, cfg Config) (*KeyStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewKeyStoreWithDB(db), nil
}

// NewKeyStoreWithDB 基于已有连接创建存储，不执行迁移。
func NewKeyStoreWithDB(db *sql.DB) *KeyStore {
	return &KeyStore{db: db, now: time.Now}
}

// Save 写入或覆盖一个公钥。
func (s *KeyStore) Save(ctx context.Context, keyID string, pub crypto.PublicKey, trusted bool, meta signing.KeyMetadata) error {
	if strings.TrimSpace(keyID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "key id 不能为空")
	}
	if meta.Algorithm == "" {
		alg, err := signing.AlgorithmForKey(pub)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法识别公钥算法")
		}
		meta.Algorithm = alg
	}
	encoded, err := signing.MarshalPublicKeyPEM(pub)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码公钥失败")
	}

	const stmt = `INSERT INTO trusted_keys
        (key_id, algorithm, public_key, trusted, issuer, subject, valid_from, valid_to, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE algorithm = VALUES(algorithm), public_key = VALUES(public_key),
        trusted = VALUES(trusted), issuer = VALUES(issuer), subject = VALUES(subject),
        valid_from = VALUES(valid_from), valid_to = VALUES(valid_to), updated_at = VALUES(updated_at)`

	now := s.now().Unix()
	if _, err := s.db.ExecContext(ctx, stmt,
		keyID,
		string(meta.Algorithm),
		string(encoded),
		trusted,
		meta.Issuer,
		meta.Subject,
		unixOrNull(meta.ValidFrom),
		unixOrNull(meta.ValidTo),
		now,
		now,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入公钥失败")
	}
	return nil
}

// Delete 删除公钥，不存在时返回 KEY_NOT_FOUND。
func (s *KeyStore) Delete(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trusted_keys WHERE key_id = ?`, keyID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除公钥失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除公钥失败")
	}
	if affected == 0 {
		return xerrors.New(xerrors.CodeKeyNotFound, fmt.Sprintf("公钥 %s 不存在", keyID),
			xerrors.WithMetadata("key_id", keyID))
	}
	return nil
}

// List 按 key_id 顺序返回全部公钥。
func (s *KeyStore) List(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, algorithm, public_key, trusted, issuer, subject,
        valid_from, valid_to, created_at, updated_at FROM trusted_keys ORDER BY key_id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询公钥失败")
	}
	defer rows.Close()

	var records []KeyRecord
	for rows.Next() {
		var (
			record             KeyRecord
			algorithm          string
			validFrom, validTo sql.NullInt64
			created, updated   int64
		)
		if err := rows.Scan(&record.KeyID, &algorithm, &record.PublicKeyPEM, &record.Trusted,
			&record.Issuer, &record.Subject, &validFrom, &validTo, &created, &updated); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析公钥记录失败")
		}
		record.Algorithm = signing.Algorithm(algorithm)
		record.ValidFrom = timeOrNil(validFrom)
		record.ValidTo = timeOrNil(validTo)
		record.CreatedAt = time.Unix(created, 0).UTC()
		record.UpdatedAt = time.Unix(updated, 0).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历公钥记录失败")
	}
	return records, nil
}

// Hydrate 将数据库中的公钥全部载入注册表，返回载入数量。
func (s *KeyStore) Hydrate(ctx context.Context, registry *signing.KeyRegistry) (int, error) {
	records, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		pub, err := signing.ParsePublicKeyPEM([]byte(record.PublicKeyPEM))
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析公钥 "+record.KeyID+" 失败")
		}
		if err := registry.AddKey(record.KeyID, pub, record.Trusted, record.Metadata()); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "注册公钥 "+record.KeyID+" 失败")
		}
	}
	return len(records), nil
}

// Close 关闭底层数据库连接。
func (s *KeyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unixOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
