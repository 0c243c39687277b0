package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/middleware"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

// DocumentCatalog 文档元数据（标题 -> id）；为 nil 时不提供创建接口
type DocumentCatalog interface {
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
	GetDocumentID(ctx context.Context, title string) (string, error)
	Exists(ctx context.Context, docID string) (bool, error)
}

type MemberLister interface {
	Members(ctx context.Context, docID string) ([]ws.PresenceMember, error)
}

type Documents struct {
	svc     *collab.Service
	catalog DocumentCatalog
	members MemberLister
}

func NewDocuments(svc *collab.Service, catalog DocumentCatalog, members MemberLister) *Documents {
	return &Documents{svc: svc, catalog: catalog, members: members}
}

// Register 挂到已经带鉴权中间件的分组上
func (h *Documents) Register(g *gin.RouterGroup) {
	g.POST("/documents", h.CreateDocument)
	g.GET("/documents", h.FindDocument)
	g.GET("/documents/:documentID", h.GetDocument)
	g.GET("/documents/:documentID/revisions", h.ListRevisions)
	g.POST("/documents/:documentID/revisions", h.SubmitRevision)
	g.PUT("/documents/:documentID/content", h.ReplaceContent)
	g.GET("/documents/:documentID/members", h.ListMembers)
}

type createDocumentReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Documents) CreateDocument(c *gin.Context) {
	if h.catalog == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "DOCUMENT_CATALOG_DISABLED"})
		return
	}
	var req createDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST"})
		return
	}
	p := middleware.PrincipalFrom(c)
	docID, err := h.catalog.CreateDocument(c.Request.Context(), p.UserID, req.Title)
	if err != nil {
		log.Error().Err(err).Uint64("owner", p.UserID).Msg("create document")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "ownerId": p.UserID, "title": req.Title, "createdAt": time.Now().Format(time.RFC3339)})
}

// FindDocument ?title= 按标题查文档 id
func (h *Documents) FindDocument(c *gin.Context) {
	title := c.Query("title")
	if h.catalog == nil || title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST"})
		return
	}
	docID, err := h.catalog.GetDocumentID(c.Request.Context(), title)
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("title", title).Msg("find document")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "title": title})
}

// GetDocument 当前内容 + 版本号
func (h *Documents) GetDocument(c *gin.Context) {
	docID := c.Param("documentID")
	if h.catalog != nil {
		ok, err := h.catalog.Exists(c.Request.Context(), docID)
		if err != nil {
			log.Error().Err(err).Str("doc", docID).Msg("check document exists")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL"})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": store.ErrDocumentNotFound.Error()})
			return
		}
	}
	snap, err := h.svc.OpenDocument(c.Request.Context(), docID)
	if err != nil {
		writeError(c, docID, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type revisionView struct {
	RevID     int64       `json:"revId"`
	BaseRevID int64       `json:"baseRevId"`
	Author    uint64      `json:"author,omitempty"`
	Checksum  string      `json:"checksum"`
	Delta     delta.Delta `json:"delta"`
	CreatedAt time.Time   `json:"createdAt,omitempty"`
}

// ListRevisions ?start=&end=，闭区间；end 省略时取到当前版本
func (h *Documents) ListRevisions(c *gin.Context) {
	docID := c.Param("documentID")
	ctx := c.Request.Context()
	start, err1 := queryInt64(c, "start", 1)
	end, err2 := queryInt64(c, "end", -1)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_RANGE"})
		return
	}
	if end < 0 {
		snap, err := h.svc.OpenDocument(ctx, docID)
		if err != nil {
			writeError(c, docID, err)
			return
		}
		end = snap.RevID
		if end < start {
			c.JSON(http.StatusOK, gin.H{"docId": docID, "revisions": []revisionView{}})
			return
		}
	}
	rng := revision.Range{Start: start, End: end}
	if err := rng.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_RANGE"})
		return
	}
	revs, err := h.svc.FetchRevisions(ctx, docID, rng)
	if err != nil {
		writeError(c, docID, err)
		return
	}
	out := make([]revisionView, 0, len(revs))
	for _, r := range revs {
		var d delta.Delta
		if err := d.UnmarshalBinary(r.Payload); err != nil {
			log.Error().Err(err).Str("doc", docID).Int64("rev", r.RevID).Msg("decode stored revision")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "CORRUPT_REVISION"})
			return
		}
		out = append(out, revisionView{RevID: r.RevID, BaseRevID: r.BaseRevID, Author: r.Author, Checksum: r.Checksum, Delta: d, CreatedAt: r.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "revisions": out})
}

type submitRevisionReq struct {
	BaseRevID *int64      `json:"baseRevId" binding:"required"`
	Delta     delta.Delta `json:"delta"`
	Checksum  string      `json:"checksum"`
}

func (h *Documents) SubmitRevision(c *gin.Context) {
	docID := c.Param("documentID")
	var req submitRevisionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MALFORMED_REVISION", "message": err.Error()})
		return
	}
	res, err := h.svc.SubmitDelta(c.Request.Context(), middleware.PrincipalFrom(c), docID, *req.BaseRevID, req.Delta, req.Checksum)
	if err != nil {
		writeError(c, docID, err)
		return
	}
	c.JSON(http.StatusOK, applyView(res))
}

type replaceContentReq struct {
	Content string `json:"content"`
}

// ReplaceContent 整体替换，服务端算 diff
func (h *Documents) ReplaceContent(c *gin.Context) {
	docID := c.Param("documentID")
	var req replaceContentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST"})
		return
	}
	res, err := h.svc.ReplaceContent(c.Request.Context(), middleware.PrincipalFrom(c), docID, req.Content)
	if err != nil {
		writeError(c, docID, err)
		return
	}
	c.JSON(http.StatusOK, applyView(res))
}

func (h *Documents) ListMembers(c *gin.Context) {
	docID := c.Param("documentID")
	if h.members == nil {
		c.JSON(http.StatusOK, gin.H{"docId": docID, "members": []ws.PresenceMember{}})
		return
	}
	members, err := h.members.Members(c.Request.Context(), docID)
	if err != nil {
		log.Warn().Err(err).Str("doc", docID).Msg("list members")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "PRESENCE_UNAVAILABLE"})
		return
	}
	if members == nil {
		members = []ws.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
}

func applyView(res collab.ApplyResult) gin.H {
	return gin.H{
		"revId":            res.Revision.RevID,
		"baseRevId":        res.Revision.BaseRevID,
		"checksum":         res.Revision.Checksum,
		"duplicate":        res.Duplicate,
		"transformed":      res.Transformed,
		"checksumMismatch": res.ChecksumMismatch,
	}
}

// writeError 与 websocket Conflict 码保持一致：409 重新同步，503/429 重试，400 格式错误
func writeError(c *gin.Context, docID string, err error) {
	switch {
	case errors.Is(err, collab.ErrBackpressure):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "RETRY", "message": err.Error()})
	case collab.Retriable(err), errors.Is(err, context.DeadlineExceeded):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "RETRY", "message": err.Error()})
	case errors.Is(err, collab.ErrMalformedRevision), errors.Is(err, collab.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "MALFORMED", "message": err.Error()})
	case collab.NeedsResync(err):
		c.JSON(http.StatusConflict, gin.H{"error": "RESYNC_REQUIRED", "message": err.Error()})
	default:
		log.Error().Err(err).Str("doc", docID).Msg("collab request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL"})
	}
}

func queryInt64(c *gin.Context, key string, def int64) (int64, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
