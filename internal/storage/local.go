// Package storage はドキュメントの保存と権限確認を提供します。
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	contentFilename = "content"
	metaFilename    = "meta.json"
)

var (
	// ErrNotFound はドキュメントが存在しない（削除済みを含む）ことを表します。
	ErrNotFound = errors.New("document not found")
	// ErrForbidden は権限が不足していることを表します。
	ErrForbidden = errors.New("permission denied")
)

// PermissionKind は権限の種類です。
type PermissionKind string

const (
	PermissionView PermissionKind = "view"
	PermissionEdit PermissionKind = "edit"
)

// Object は読み込んだドキュメントです。
type Object struct {
	ID        string
	Filename  string
	MimeType  string
	ModuleKey string
	Hash      string
	Data      []byte
}

// WriteRequest は書き込み内容です。Owner は作成者として記録され、全権限を持ちます。
type WriteRequest struct {
	Data      []byte
	Filename  string
	MimeType  string
	ModuleKey string
	Owner     string
}

// Ref は保存したドキュメントへの参照です。
type Ref struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Key  string `json:"key"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// DocumentStore はドキュメント本体の読み書きを行います。
type DocumentStore interface {
	Read(ctx context.Context, documentID string) (*Object, error)
	Write(ctx context.Context, req WriteRequest) (*Ref, error)
}

// Permissions はドキュメント単位の権限確認を行います。
type Permissions interface {
	AssertPermission(ctx context.Context, documentID, userID string, kind PermissionKind) error
}

// Hash は内容の SHA-256 を16進文字列で返します。
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type documentMeta struct {
	ID        string                      `json:"id"`
	Filename  string                      `json:"filename"`
	MimeType  string                      `json:"mimeType"`
	ModuleKey string                      `json:"moduleKey"`
	Hash      string                      `json:"hash"`
	Size      int64                       `json:"size"`
	Owner     string                      `json:"owner"`
	Grants    map[string][]PermissionKind `json:"grants,omitempty"`
	CreatedAt time.Time                   `json:"createdAt"`
}

// LocalStore はローカルディスク上に <root>/<id>/content と meta.json を保存します。
type LocalStore struct {
	root    string
	baseURL string
	now     func() time.Time

	mu sync.RWMutex
}

// NewLocalStore は LocalStore を作成します。baseURL はダウンロードURLの接頭辞です。
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	if baseURL == "" {
		baseURL = "/api/documents"
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// Read はドキュメント本体とメタデータを返します。
func (s *LocalStore) Read(ctx context.Context, documentID string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.loadMeta(documentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir(documentID), contentFilename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		return nil, fmt.Errorf("failed to read document %s: %w", documentID, err)
	}
	return &Object{
		ID:        meta.ID,
		Filename:  meta.Filename,
		MimeType:  meta.MimeType,
		ModuleKey: meta.ModuleKey,
		Hash:      meta.Hash,
		Data:      data,
	}, nil
}

// Write は新しいドキュメントとして保存し、参照を返します。
func (s *LocalStore) Write(ctx context.Context, req WriteRequest) (*Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("document data is empty")
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(req.Data).String()
	}
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = "document" + mimetype.Detect(req.Data).Extension()
	}

	id := uuid.NewString()
	meta := &documentMeta{
		ID:        id,
		Filename:  filename,
		MimeType:  mimeType,
		ModuleKey: req.ModuleKey,
		Hash:      Hash(req.Data),
		Size:      int64(len(req.Data)),
		Owner:     req.Owner,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create document dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, contentFilename), req.Data); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := s.saveMeta(meta); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	return &Ref{
		ID:   id,
		URL:  s.baseURL + "/" + id,
		Key:  filepath.ToSlash(filepath.Join(id, contentFilename)),
		Hash: meta.Hash,
		Size: meta.Size,
	}, nil
}

// Delete はドキュメントを削除します。
func (s *LocalStore) Delete(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadMeta(documentID); err != nil {
		return err
	}
	return os.RemoveAll(s.dir(documentID))
}

// Grant は userID に権限を付与します。edit は view を含みます。
func (s *LocalStore) Grant(ctx context.Context, documentID, userID string, kind PermissionKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if kind != PermissionView && kind != PermissionEdit {
		return fmt.Errorf("unknown permission kind: %s", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta(documentID)
	if err != nil {
		return err
	}
	if meta.Grants == nil {
		meta.Grants = make(map[string][]PermissionKind)
	}
	for _, k := range meta.Grants[userID] {
		if k == kind {
			return nil
		}
	}
	meta.Grants[userID] = append(meta.Grants[userID], kind)
	return s.saveMeta(meta)
}

// Revoke は userID の権限をすべて取り消します。
func (s *LocalStore) Revoke(ctx context.Context, documentID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMeta(documentID)
	if err != nil {
		return err
	}
	delete(meta.Grants, userID)
	return s.saveMeta(meta)
}

// AssertPermission は権限がなければ ErrForbidden を、ドキュメントがなければ ErrNotFound を返します。
func (s *LocalStore) AssertPermission(ctx context.Context, documentID, userID string, kind PermissionKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.loadMeta(documentID)
	if err != nil {
		return err
	}
	if userID != "" && meta.Owner == userID {
		return nil
	}
	for _, granted := range meta.Grants[userID] {
		if granted == kind || granted == PermissionEdit {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrForbidden, kind, documentID)
}

func (s *LocalStore) dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *LocalStore) loadMeta(id string) (*documentMeta, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir(id), metaFilename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read document meta %s: %w", id, err)
	}
	var meta documentMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse document meta %s: %w", id, err)
	}
	return &meta, nil
}

func (s *LocalStore) saveMeta(meta *documentMeta) error {
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir(meta.ID), metaFilename), payload)
}

// validID はパス区切りを含む ID を拒否します。
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", filepath.Base(path), err)
	}
	return nil
}
