package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// StringList stores a slice of strings as a JSON text column so it works the
// same on SQLite and PostgreSQL.
type StringList []string

// Value satisfies driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	raw, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan satisfies sql.Scanner.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}

	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Upload is one symbol archive upload and its processing state. An upload is
// complete once every archive member has been stored (or skipped) and the
// inbox artifact has been removed.
type Upload struct {
	bun.BaseModel `bun:"table:uploads"`

	ID        int64  `bun:"id,pk,autoincrement"`
	UserEmail string `bun:"user_email,notnull"`
	Filename  string `bun:"filename,notnull"`

	// BucketURL is the configured URL of the destination bucket; name and
	// region are denormalized for serialization.
	BucketURL    string `bun:"bucket_url,notnull"`
	BucketName   string `bun:"bucket_name,notnull"`
	BucketRegion string `bun:"bucket_region,notnull,default:''"`

	// Exactly one of InboxKey and InboxFilepath is set, depending on whether
	// the raw archive was spooled to the bucket or to a local directory.
	InboxKey      string `bun:"inbox_key,notnull,default:''"`
	InboxFilepath string `bun:"inbox_filepath,notnull,default:''"`

	Size int64 `bun:"size,notnull"`

	// DownloadURL is set for upload-by-download requests, along with every
	// redirect followed while fetching it.
	DownloadURL  string     `bun:"download_url,notnull,default:''"`
	RedirectURLs StringList `bun:"redirect_urls,type:text"`

	TrySymbols bool `bun:"try_symbols,notnull,default:false"`

	SkippedKeys StringList `bun:"skipped_keys,type:text"`
	IgnoredKeys StringList `bun:"ignored_keys,type:text"`

	Attempts int `bun:"attempts,notnull,default:0"`

	CreatedAt   time.Time  `bun:"created_at,notnull"`
	CompletedAt *time.Time `bun:"completed_at"`
	CancelledAt *time.Time `bun:"cancelled_at"`
}

// FileUpload records one archive member stored into a bucket.
type FileUpload struct {
	bun.BaseModel `bun:"table:file_uploads"`

	ID         int64  `bun:"id,pk,autoincrement"`
	UploadID   int64  `bun:"upload_id,notnull"`
	BucketName string `bun:"bucket_name,notnull"`
	Key        string `bun:"key,notnull"`
	Size       int64  `bun:"size,notnull"`
	Compressed bool   `bun:"compressed,notnull,default:false"`

	// IsUpdate is true when the key already existed and was overwritten.
	IsUpdate bool `bun:"is_update,notnull,default:false"`

	CreatedAt   time.Time  `bun:"created_at,notnull"`
	CompletedAt *time.Time `bun:"completed_at"`
}

// Token is an API token. Permissions is a comma separated list of permission
// names.
type Token struct {
	bun.BaseModel `bun:"table:tokens"`

	ID          int64      `bun:"id,pk,autoincrement"`
	Key         string     `bun:"key,notnull,unique"`
	UserEmail   string     `bun:"user_email,notnull"`
	Permissions string     `bun:"permissions,notnull"`
	ExpiresAt   time.Time  `bun:"expires_at,notnull"`
	LastUsedAt  *time.Time `bun:"last_used_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
}

// PermissionList splits the comma separated permissions.
func (t *Token) PermissionList() []string {
	return splitCSV(t.Permissions)
}

// HasPermission reports whether the token carries permission.
func (t *Token) HasPermission(permission string) bool {
	for _, p := range t.PermissionList() {
		if p == permission {
			return true
		}
	}
	return false
}

// MissingSymbol records a download request that could not be served. Repeat
// misses for the same tuple bump Count instead of inserting a new row.
type MissingSymbol struct {
	bun.BaseModel `bun:"table:missing_symbols"`

	ID       int64  `bun:"id,pk,autoincrement"`
	Hash     string `bun:"hash,notnull,unique"`
	Symbol   string `bun:"symbol,notnull"`
	DebugID  string `bun:"debug_id,notnull"`
	Filename string `bun:"filename,notnull"`
	CodeFile string `bun:"code_file,notnull,default:''"`
	CodeID   string `bun:"code_id,notnull,default:''"`
	Count    int64  `bun:"count,notnull,default:1"`

	CreatedAt  time.Time `bun:"created_at,notnull"`
	ModifiedAt time.Time `bun:"modified_at,notnull"`
}
