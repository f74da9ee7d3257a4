package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/mirkobrombin/go-marquee/v1/cache"
)

var (
	ErrMissingID    = errors.New("store: record has no unique id")
	ErrMissingTitle = errors.New("store: record has no title")
)

// Record is one catalog entry. UniqueID is content-stable and identifies
// the logical record in both backends.
type Record struct {
	UniqueID        string    `json:"unique_id" bson:"_id" gorm:"primaryKey;column:unique_id;size:191"`
	Title           string    `json:"title" bson:"title" gorm:"column:title;not null"`
	NormalizedTitle string    `json:"normalized_title" bson:"normalized_title" gorm:"column:normalized_title;index"`
	Year            int       `json:"year,omitempty" bson:"year,omitempty" gorm:"column:year"`
	FileName        string    `json:"file_name,omitempty" bson:"file_name,omitempty" gorm:"column:file_name"`
	FileSize        int64     `json:"file_size,omitempty" bson:"file_size,omitempty" gorm:"column:file_size"`
	MimeType        string    `json:"mime_type,omitempty" bson:"mime_type,omitempty" gorm:"column:mime_type"`
	Caption         string    `json:"caption,omitempty" bson:"caption,omitempty" gorm:"column:caption"`
	ChatID          int64     `json:"chat_id,omitempty" bson:"chat_id,omitempty" gorm:"column:chat_id"`
	MessageID       int64     `json:"message_id,omitempty" bson:"message_id,omitempty" gorm:"column:message_id"`
	ContentHash     string    `json:"content_hash" bson:"content_hash" gorm:"column:content_hash;size:64"`
	AddedAt         time.Time `json:"added_at" bson:"added_at" gorm:"column:added_at;index"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at" gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "catalog_records" }

// Validate reports the first missing required field.
func (r Record) Validate() error {
	if strings.TrimSpace(r.UniqueID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(r.Title) == "" {
		return ErrMissingTitle
	}
	return nil
}

// Hash returns a sha256 over the content fields. Timestamps are excluded so
// resyncing the same content is a no-op.
func (r Record) Hash() string {
	h := sha256.New()
	for _, f := range []string{
		r.Title, r.NormalizedTitle, strconv.Itoa(r.Year),
		r.FileName, strconv.FormatInt(r.FileSize, 10), r.MimeType, r.Caption,
		strconv.FormatInt(r.ChatID, 10), strconv.FormatInt(r.MessageID, 10),
	} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeKey groups copies of the same file: case-folded name plus size.
// Records without a file name have no key.
func (r Record) DedupeKey() string {
	name := strings.TrimSpace(r.FileName)
	if name == "" {
		return ""
	}
	return cases.Fold().String(name) + ":" + strconv.FormatInt(r.FileSize, 10)
}

// IndexEntry projects the record into the fuzzy index.
func (r Record) IndexEntry() cache.IndexEntry {
	return cache.IndexEntry{
		UniqueID:        r.UniqueID,
		DisplayTitle:    r.Title,
		NormalizedTitle: r.NormalizedTitle,
		Year:            r.Year,
	}
}

// prepare fills the derived fields before a write.
func (r Record) prepare(now time.Time) Record {
	if r.NormalizedTitle == "" {
		r.NormalizedTitle = Normalize(r.Title)
	}
	r.ContentHash = r.Hash()
	if r.AddedAt.IsZero() {
		r.AddedAt = now
	}
	r.AddedAt = r.AddedAt.UTC()
	r.UpdatedAt = now
	return r
}

// Normalize folds case, strips diacritics and collapses whitespace so
// "Amélie  " and "AMELIE" compare equal.
func Normalize(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, title)
	if err != nil {
		s = title
	}
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}
