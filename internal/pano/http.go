package pano

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pano-forge/internal/catalog"
	"github.com/yourusername/pano-forge/internal/jobs"
)

// multipartOverhead はフォームの境界やヘッダー分として上限に加えるバイト数です。
const multipartOverhead = 1 << 20

// UploadService はアップロードを受け付けるサービスが実装します。
type UploadService interface {
	Submit(ctx context.Context, up Upload) (string, error)
	MaxFileSize() int64
}

// StatusService はジョブ状態を返すサービスが実装します。
type StatusService interface {
	Status(ctx context.Context, id string) (*jobs.Job, error)
}

// CatalogService はカタログ操作を提供するサービスが実装します。
type CatalogService interface {
	ListCatalog() ([]catalog.Record, error)
	RenameCatalogEntry(id, name string) (bool, error)
	DeleteCatalogEntry(ctx context.Context, id string) (bool, error)
}

// RegisterRoutes は /api 配下のルートを登録します。
func RegisterRoutes(api *gin.RouterGroup, svc *Service) {
	api.GET("/panoramas", ListHandler(svc))
	api.POST("/upload", UploadHandler(svc))
	api.GET("/status/:id", StatusHandler(svc))
	api.PUT("/panoramas/:id", RenameHandler(svc))
	api.DELETE("/panoramas/:id", DeleteHandler(svc))
}

// UploadHandler は POST /api/upload のハンドラーを返します。
func UploadHandler(svc UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, svc.MaxFileSize()+multipartOverhead)

		fileHeader, err := c.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondWithError(c, newError(CodeLimitExceeded, "ファイルサイズが上限を超えています。", err))
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "アップロードされたファイルが見つかりません。",
			})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			respondWithError(c, newError(CodeInvalidInput, "アップロードの読み込みに失敗しました。", err))
			return
		}
		defer file.Close()

		id, err := svc.Submit(c.Request.Context(), Upload{
			Reader:   file,
			FileName: fileHeader.Filename,
			Size:     fileHeader.Size,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	}
}

// StatusHandler は GET /api/status/:id のハンドラーを返します。
func StatusHandler(svc StatusService) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if job == nil {
			respondNotFound(c, "ジョブが見つかりません。")
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ListHandler は GET /api/panoramas のハンドラーを返します。
func ListHandler(svc CatalogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := svc.ListCatalog()
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

type renameRequest struct {
	Name string `json:"name"`
}

// RenameHandler は PUT /api/panoramas/:id のハンドラーを返します。
func RenameHandler(svc CatalogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req renameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "name を JSON で送ってください。",
			})
			return
		}

		ok, err := svc.RenameCatalogEntry(c.Param("id"), req.Name)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if !ok {
			respondNotFound(c, "パノラマが見つかりません。")
			return
		}
		c.Status(http.StatusOK)
	}
}

// DeleteHandler は DELETE /api/panoramas/:id のハンドラーを返します。
func DeleteHandler(svc CatalogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := svc.DeleteCatalogEntry(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if !ok {
			respondNotFound(c, "パノラマが見つかりません。")
			return
		}
		c.Status(http.StatusOK)
	}
}

func respondNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{
		"code":    "NOT_FOUND",
		"message": message,
	})
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == CodeLimitExceeded {
			status = http.StatusRequestEntityTooLarge
		}
		if apiErr.Code == CodeStorageError {
			status = http.StatusInternalServerError
		}
		if apiErr.Err != nil {
			slog.Warn("request failed",
				slog.String("path", c.FullPath()),
				slog.String("code", apiErr.Code),
				slog.String("error", apiErr.Err.Error()),
			)
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		slog.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
