package main

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/filedock/filedock/pkg/chunks"
	"github.com/filedock/filedock/pkg/notify"
	"github.com/filedock/filedock/pkg/queue"
	"github.com/filedock/filedock/pkg/store"
	"github.com/filedock/filedock/pkg/storage"
	"github.com/filedock/filedock/pkg/token"
)

type API struct {
	cfg       *Config
	store     *store.Store
	backend   storage.Backend
	assembler *chunks.Assembler
	queue     *queue.Queue
	signer    *token.Signer
	hub       *notify.Hub
	previews  string
	streams   string
	webhooks  *http.Client
	log       *log.Logger
}

func NewAPI(cfg *Config, st *store.Store, backend storage.Backend, asm *chunks.Assembler,
	q *queue.Queue, signer *token.Signer, hub *notify.Hub) *API {
	return &API{
		cfg:       cfg,
		store:     st,
		backend:   backend,
		assembler: asm,
		queue:     q,
		signer:    signer,
		hub:       hub,
		previews:  cfg.Storage.PreviewDir,
		streams:   cfg.Storage.StreamDir,
		webhooks:  &http.Client{Timeout: 10 * time.Second},
		log:       log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", a.health)
	router.GET("/ws", a.websocket)

	// Download routes are gated by the capability token alone.
	router.GET("/f/:token", a.download)
	router.GET("/shared/download/:token", a.sharedDownload)

	api := router.Group("/api")
	api.Use(a.authMiddleware())

	api.POST("/upload", a.upload)
	api.POST("/upload/chunked", a.uploadChunked)
	api.GET("/files", a.listFiles)
	api.POST("/files/:id/share", a.toggleShare)
	api.DELETE("/files/:id", a.deleteFile)
	api.GET("/shared/folders/:id/files", a.listFolderFiles)
	api.POST("/shared/files/:id/share", a.toggleSharedFileShare)
}

func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-Key") != a.cfg.API.Key {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// forbidden is the uniform response for every token, ownership or
// membership failure; callers cannot tell which check failed.
func forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

// userID resolves the acting user from the X-User-Id header. Session
// handling lives outside this service.
func (a *API) userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader("X-User-Id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) websocket(c *gin.Context) {
	a.hub.ServeWS(c.Writer, c.Request)
}

// upload handles a single-shot multipart upload.
func (a *API) upload(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		forbidden(c)
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	objectID := uuid.New().String()
	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(file, hasher)}

	location, err := a.backend.Save(objectID, counter)
	if err != nil {
		a.log.Printf("failed to store object %s: %v", objectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	rec := &store.File{
		ID:       objectID,
		UserID:   userID,
		FileName: header.Filename,
		Path:     location,
		Size:     counter.n,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := a.store.AddFile(rec); err != nil {
		a.backend.Delete(location)
		a.log.Printf("failed to register file %s: %v", objectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register file"})
		return
	}

	a.queue.Push(queue.Job{
		ObjectID: objectID,
		Path:     location,
		FileName: header.Filename,
	})
	a.hub.Broadcast(notify.ReloadEvent)

	c.JSON(http.StatusOK, gin.H{"status": "completed", "file_id": objectID})
}

// uploadChunked receives one chunk of a session and finalizes the object on
// the last one. Chunks are keyed by the client-supplied X-Upload-Id and
// ordered by X-Chunk-Index; X-Last-Chunk: 1 flags the final chunk.
func (a *API) uploadChunked(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		forbidden(c)
		return
	}

	sessionID := c.GetHeader("X-Upload-Id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-Upload-Id"})
		return
	}
	index, err := strconv.Atoi(c.GetHeader("X-Chunk-Index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid X-Chunk-Index"})
		return
	}
	isLast := c.GetHeader("X-Last-Chunk") == "1"

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file field"})
		return
	}
	defer file.Close()

	res, err := a.assembler.Receive(sessionID, index, isLast, file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !res.Completed {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "chunk": index})
		return
	}

	folderID, _ := strconv.ParseInt(c.GetHeader("X-Upload-Folder"), 10, 64)

	if folderID > 0 {
		member, err := a.store.IsMember(folderID, userID)
		if err != nil || !member {
			os.Remove(res.Path)
			forbidden(c)
			return
		}
	}

	// A retried final chunk replays the assembler's cached result. The
	// object it names was registered on the first attempt, so report
	// success again instead of tripping over the primary key.
	var registered error
	if folderID > 0 {
		_, registered = a.store.GetSharedFile(res.ObjectID)
	} else {
		_, registered = a.store.GetFile(res.ObjectID)
	}
	if registered == nil {
		c.JSON(http.StatusOK, gin.H{"status": "completed", "file_id": res.ObjectID})
		return
	}

	location, err := a.storeObject(res)
	if err != nil {
		a.log.Printf("failed to store assembled object %s: %v", res.ObjectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	rec := &store.File{
		ID:       res.ObjectID,
		UserID:   userID,
		FolderID: folderID,
		FileName: header.Filename,
		Path:     location,
		Size:     res.Size,
		SHA256:   res.SHA256,
	}

	if folderID > 0 {
		if err := a.store.AddSharedFile(rec); err != nil {
			a.log.Printf("failed to register shared file %s: %v", res.ObjectID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register file"})
			return
		}
		go a.notifyFolderUpload(folderID, userID, header.Filename)
	} else {
		if err := a.store.AddFile(rec); err != nil {
			a.log.Printf("failed to register file %s: %v", res.ObjectID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register file"})
			return
		}
	}

	a.queue.Push(queue.Job{
		ObjectID: res.ObjectID,
		Path:     location,
		FileName: header.Filename,
		Shared:   folderID > 0,
		FolderID: folderID,
	})
	a.hub.Broadcast(notify.ReloadEvent)

	c.JSON(http.StatusOK, gin.H{"status": "completed", "file_id": res.ObjectID})
}

// storeObject moves an assembled upload into the configured backend. The
// local backend already holds the assembled bytes at their final path; any
// other backend receives a copy and the local file is dropped.
func (a *API) storeObject(res chunks.Result) (string, error) {
	if _, ok := a.backend.(*storage.Local); ok {
		return res.Path, nil
	}
	src, err := os.Open(res.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()
	location, err := a.backend.Save(res.ObjectID, src)
	if err != nil {
		return "", err
	}
	os.Remove(res.Path)
	return location, nil
}

// download serves an owner file to any holder of a valid capability token.
func (a *API) download(c *gin.Context) {
	fileID, ok := a.signer.Verify(c.Param("token"))
	if !ok {
		forbidden(c)
		return
	}
	rec, err := a.store.GetFile(fileID)
	if err != nil {
		forbidden(c)
		return
	}
	a.serveFile(c, rec)
}

// sharedDownload serves a shared-folder file to any holder of a valid
// capability token.
func (a *API) sharedDownload(c *gin.Context) {
	fileID, ok := a.signer.Verify(c.Param("token"))
	if !ok {
		forbidden(c)
		return
	}
	rec, err := a.store.GetSharedFile(fileID)
	if err != nil {
		forbidden(c)
		return
	}
	a.serveFile(c, rec)
}

func (a *API) serveFile(c *gin.Context, rec *store.File) {
	if s3, ok := a.backend.(*storage.S3); ok {
		url, err := s3.PresignDownload(rec.Path, rec.FileName, time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "download unavailable"})
			return
		}
		c.Redirect(http.StatusFound, url)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.FileName))
	c.File(rec.Path)
}

type shareRequest struct {
	Expiration *int64 `json:"expiration"`
}

// toggleShare flips an owner file between private and shared. Turning
// sharing on mints a fresh token with the requested expiry; turning it off
// drops token and expiry together.
func (a *API) toggleShare(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		forbidden(c)
		return
	}

	rec, err := a.store.GetFile(c.Param("id"))
	if err != nil || rec.UserID != userID {
		forbidden(c)
		return
	}

	a.toggle(c, rec, false)
}

// toggleSharedFileShare is the same toggle for folder-owned files, gated by
// folder membership instead of ownership.
func (a *API) toggleSharedFileShare(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		forbidden(c)
		return
	}

	rec, err := a.store.GetSharedFile(c.Param("id"))
	if err != nil {
		forbidden(c)
		return
	}
	member, err := a.store.IsMember(rec.FolderID, userID)
	if err != nil || !member {
		forbidden(c)
		return
	}

	a.toggle(c, rec, true)
}

func (a *API) toggle(c *gin.Context, rec *store.File, shared bool) {
	expSec := a.cfg.Share.URLExpiresSec
	var req shareRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.Expiration != nil {
			expSec = *req.Expiration
		}
	}

	if rec.IsShared {
		if err := a.store.ClearShared(rec.ID, a.cfg.Share.URLExpiresSec, shared); err != nil {
			a.log.Printf("failed to clear share on %s: %v", rec.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update share"})
			return
		}
		a.hub.Broadcast(notify.ReloadEvent)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "is_shared": false})
		return
	}

	now := time.Now().Unix()
	var expiresAt int64
	if expSec > 0 {
		expiresAt = now + expSec
	}
	tok := a.signer.Sign(rec.ID, expiresAt)
	if err := a.store.SetShared(rec.ID, tok, expSec, expiresAt, shared); err != nil {
		a.log.Printf("failed to set share on %s: %v", rec.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update share"})
		return
	}
	a.hub.Broadcast(notify.ReloadEvent)

	base := "/f/"
	if shared {
		base = "/shared/download/"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"is_shared":  true,
		"expiration": expSec,
		"token":      tok,
		"share_url":  requestBaseURL(c) + base + tok,
	})
}

// listFiles returns the caller's files as view structs, revoking any
// expired shares first so clients never see a stale share URL.
func (a *API) listFiles(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		forbidden(c)
		return
	}

	now := time.Now()
	if err := a.store.RevokeExpiredShares(now.Unix()); err != nil {
		a.log.Printf("failed to revoke expired shares: %v", err)
	}

	files, err := a.store.ListFiles(userID)
	if err != nil {
		a.log.Printf("failed to list files for user %d: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}

	views := make([]FileView, 0, len(files))
	for _, f := range files {
		views = append(views, buildFileView(f, requestBaseURL(c), a.signer, now, a.cfg.Share.URLExpiresSec))
	}
	c.JSON(http.StatusOK, gin.H{"files": views})
}

// listFolderFiles returns a shared folder's files to its members.
func (a *API) listFolderFiles(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		forbidden(c)
		return
	}
	folderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		forbidden(c)
		return
	}
	member, err := a.store.IsMember(folderID, userID)
	if err != nil || !member {
		forbidden(c)
		return
	}

	now := time.Now()
	if err := a.store.RevokeExpiredShares(now.Unix()); err != nil {
		a.log.Printf("failed to revoke expired shares: %v", err)
	}

	files, err := a.store.ListFolderFiles(folderID)
	if err != nil {
		a.log.Printf("failed to list folder %d files: %v", folderID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}

	views := make([]FileView, 0, len(files))
	for _, f := range files {
		views = append(views, buildFileView(f, requestBaseURL(c), a.signer, now, a.cfg.Share.URLExpiresSec))
	}
	c.JSON(http.StatusOK, gin.H{"files": views})
}

// deleteFile removes a file's record, bytes, preview and renditions.
func (a *API) deleteFile(c *gin.Context) {
	userID, ok := a.userID(c)
	if !ok {
		forbidden(c)
		return
	}

	rec, err := a.store.GetFile(c.Param("id"))
	if err != nil || rec.UserID != userID {
		forbidden(c)
		return
	}

	if err := a.store.DeleteFile(rec.ID); err != nil {
		a.log.Printf("failed to delete record %s: %v", rec.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete file"})
		return
	}
	if err := a.backend.Delete(rec.Path); err != nil {
		a.log.Printf("failed to delete object bytes %s: %v", rec.Path, err)
	}
	os.Remove(filepath.Join(a.previews, rec.ID+".jpg"))
	os.RemoveAll(filepath.Join(a.streams, rec.ID))

	a.hub.Broadcast(notify.ReloadEvent)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// notifyFolderUpload posts a best-effort message to the folder's webhook so
// members hear about new files.
func (a *API) notifyFolderUpload(folderID, userID int64, fileName string) {
	folder, err := a.store.GetSharedFolder(folderID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			a.log.Printf("failed to load folder %d: %v", folderID, err)
		}
		return
	}
	if folder.WebhookURL == "" {
		return
	}

	payload, _ := json.Marshal(gin.H{
		"content": fmt.Sprintf("user %d uploaded %q to %s", userID, fileName, folder.Name),
	})
	resp, err := a.webhooks.Post(folder.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		a.log.Printf("webhook post failed for folder %d: %v", folderID, err)
		return
	}
	resp.Body.Close()
}

func requestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
