package tagbot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
	"strings"
)

var (
	ErrTagExists      = errors.New("tag already exists")
	ErrTagNotFound    = errors.New("tag not found")
	ErrTargetRequired = errors.New("tag requires a mentioned target")
	ErrEmbedTooLarge  = errors.New("embed exceeds discord limits")
	ErrNoContent      = errors.New("tag needs a response or an attachment")
)

// Tag is a named canned response. At least one of Response or Attachment
// is set on every stored tag.
type Tag struct {
	ModelUintID
	Name       string  `gorm:"uniqueIndex;not null" json:"name"`
	Response   *string `json:"response,omitempty"`
	Attachment *string `json:"attachment,omitempty"`
	ModelUnixTime
}

// NewTag returns a Tag with a normalized name. Empty response or
// attachment values are left unset.
func NewTag(name, response, attachment string) *Tag {
	t := &Tag{Name: normalizeTagName(name)}
	if response != "" {
		t.Response = &response
	}
	if attachment != "" {
		t.Attachment = &attachment
	}
	return t
}

func normalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ResponseText is the tag's response template, or "" if it has none
func (t Tag) ResponseText() string {
	if t.Response == nil {
		return ""
	}
	return *t.Response
}

// AttachmentURL is the tag's attachment, or "" if it has none
func (t Tag) AttachmentURL() string {
	if t.Attachment == nil {
		return ""
	}
	return *t.Attachment
}

func (t Tag) HasContent() bool {
	return t.ResponseText() != "" || t.AttachmentURL() != ""
}

func (t Tag) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.String("name", t.Name),
		slog.Bool("has_response", t.Response != nil),
		slog.Bool("has_attachment", t.Attachment != nil),
	)
}

func (t *Tag) BeforeSave(*gorm.DB) error {
	t.Name = normalizeTagName(t.Name)
	if t.Name == "" {
		return errors.New("tag name is required")
	}
	return nil
}

// TagStore persists tags. Names are matched case-insensitively.
type TagStore interface {
	FetchAll(ctx context.Context) ([]Tag, error)

	// Get returns ErrTagNotFound if no tag has the given name
	Get(ctx context.Context, name string) (*Tag, error)

	// Add inserts a new tag, returning ErrTagExists if the name is taken
	Add(ctx context.Context, tag *Tag) (*Tag, error)

	// Modify overwrites the stored response and/or attachment with the
	// non-nil fields of tag, returning the updated record.
	Modify(ctx context.Context, tag *Tag) (*Tag, error)

	// Delete removes the tag and returns the removed record
	Delete(ctx context.Context, name string) (*Tag, error)
}

type gormTagStore struct {
	db DBI
}

func NewTagStore(db DBI) TagStore {
	return &gormTagStore{db: db}
}

func (s *gormTagStore) FetchAll(ctx context.Context) ([]Tag, error) {
	var tags []Tag
	rv := s.db.DB().WithContext(ctx).Order("name").Find(&tags)
	if rv.Error != nil {
		return nil, fmt.Errorf("error fetching tags: %w", rv.Error)
	}
	return tags, nil
}

func (s *gormTagStore) Get(ctx context.Context, name string) (*Tag, error) {
	var tag Tag
	rv := s.db.DB().WithContext(ctx).Where("name = ?", normalizeTagName(name)).Take(&tag)
	if rv.Error != nil {
		if errors.Is(rv.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTagNotFound
		}
		return nil, rv.Error
	}
	return &tag, nil
}

func (s *gormTagStore) Add(ctx context.Context, tag *Tag) (*Tag, error) {
	if !tag.HasContent() {
		return nil, ErrNoContent
	}
	newTag := *tag
	newTag.ID = 0
	if _, err := s.db.Create(ctx, &newTag); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrTagExists
		}
		return nil, fmt.Errorf("error creating tag: %w", err)
	}
	return &newTag, nil
}

func (s *gormTagStore) Modify(ctx context.Context, tag *Tag) (*Tag, error) {
	if tag.Response == nil && tag.Attachment == nil {
		return nil, ErrNoContent
	}

	var updated Tag
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Where("name = ?", normalizeTagName(tag.Name)).Take(&updated).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrTagNotFound
				}
				return err
			}
			if tag.Response != nil {
				response := *tag.Response
				updated.Response = &response
			}
			if tag.Attachment != nil {
				attachment := *tag.Attachment
				updated.Attachment = &attachment
			}
			return tx.Save(&updated).Error
		},
	)
	if err != nil {
		if errors.Is(err, ErrTagNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("error updating tag: %w", err)
	}
	return &updated, nil
}

func (s *gormTagStore) Delete(ctx context.Context, name string) (*Tag, error) {
	var deleted Tag
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Where("name = ?", normalizeTagName(name)).Take(&deleted).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrTagNotFound
				}
				return err
			}
			return tx.Delete(&Tag{}, deleted.ID).Error
		},
	)
	if err != nil {
		if errors.Is(err, ErrTagNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("error deleting tag: %w", err)
	}
	return &deleted, nil
}
