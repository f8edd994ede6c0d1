package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/docvault/internal/auth"
	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/pipeline"
	"github.com/yourusername/docvault/internal/storage"
)

// multipartOverhead はファイル以外のフォーム項目に許す余裕です。
const multipartOverhead = 1 << 20

// handlers は文書APIとジョブAPIの依存をまとめます。
type handlers struct {
	docs    *storage.LocalStore
	service *pipeline.Service
	maxFile int64
	logger  *slog.Logger
}

// uploadDocument は POST /api/documents のハンドラーです。フィールド名は file です。
func (h *handlers) uploadDocument(c *gin.Context) {
	if h.maxFile > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFile+multipartOverhead)
	}
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(c, tooLargeError(h.maxFile))
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "multipart/form-data の file フィールドでファイルを送信してください。",
		})
		return
	}
	if h.maxFile > 0 && file.Size > h.maxFile {
		respondWithError(c, tooLargeError(h.maxFile))
		return
	}

	src, err := file.Open()
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		respondWithError(c, err)
		return
	}

	ref, err := h.docs.Write(c.Request.Context(), storage.WriteRequest{
		Data:      data,
		Filename:  file.Filename,
		ModuleKey: strings.TrimSpace(c.PostForm("moduleKey")),
		Owner:     auth.CurrentUser(c),
	})
	if err != nil {
		respondWithError(c, err)
		return
	}
	h.logger.Info("document uploaded", "document_id", ref.ID, "size", ref.Size, "user", auth.CurrentUser(c))
	c.JSON(http.StatusCreated, ref)
}

// downloadDocument は GET /api/documents/:id のハンドラーです。閲覧権限が必要です。
func (h *handlers) downloadDocument(c *gin.Context) {
	documentID, ok := requireParam(c, "id", "documentId を指定してください。")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.docs.AssertPermission(ctx, documentID, auth.CurrentUser(c), storage.PermissionView); err != nil {
		respondWithError(c, err)
		return
	}
	obj, err := h.docs.Read(ctx, documentID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	contentType := obj.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := obj.Filename
	if filename == "" {
		filename = obj.ID
	}
	encodedName := url.PathEscape(filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", asciiFilename(filename), encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("ETag", `"`+obj.Hash+`"`)
	c.Data(http.StatusOK, contentType, obj.Data)
}

// deleteDocument は DELETE /api/documents/:id のハンドラーです。編集権限が必要です。
func (h *handlers) deleteDocument(c *gin.Context) {
	documentID, ok := requireParam(c, "id", "documentId を指定してください。")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.docs.AssertPermission(ctx, documentID, auth.CurrentUser(c), storage.PermissionEdit); err != nil {
		respondWithError(c, err)
		return
	}
	if err := h.docs.Delete(ctx, documentID); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type grantRequest struct {
	UserID     string                 `json:"userId" binding:"required"`
	Permission storage.PermissionKind `json:"permission" binding:"required"`
}

// grantDocument は POST /api/documents/:id/grants のハンドラーです。編集権限を持つ利用者だけが付与できます。
func (h *handlers) grantDocument(c *gin.Context) {
	documentID, ok := requireParam(c, "id", "documentId を指定してください。")
	if !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "userId と permission を指定してください。",
		})
		return
	}
	if req.Permission != storage.PermissionView && req.Permission != storage.PermissionEdit {
		respondWithError(c, pdf.NewError(pdf.CodeInvalidInput, "permission は view または edit です。", nil))
		return
	}

	ctx := c.Request.Context()
	if err := h.docs.AssertPermission(ctx, documentID, auth.CurrentUser(c), storage.PermissionEdit); err != nil {
		respondWithError(c, err)
		return
	}
	if err := h.docs.Grant(ctx, documentID, strings.TrimSpace(req.UserID), req.Permission); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// revokeDocument は DELETE /api/documents/:id/grants/:userId のハンドラーです。
func (h *handlers) revokeDocument(c *gin.Context) {
	documentID, ok := requireParam(c, "id", "documentId を指定してください。")
	if !ok {
		return
	}
	userID, ok := requireParam(c, "userId", "userId を指定してください。")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.docs.AssertPermission(ctx, documentID, auth.CurrentUser(c), storage.PermissionEdit); err != nil {
		respondWithError(c, err)
		return
	}
	if err := h.docs.Revoke(ctx, documentID, userID); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func tooLargeError(limit int64) error {
	return pdf.NewError(pdf.CodeLimitExceeded,
		fmt.Sprintf("ファイルサイズが上限（%d MB）を超えています。", limit>>20), nil)
}

// asciiFilename は filename= に入れられない文字を _ に置き換えます。
func asciiFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
}
