package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/contentforge-backend/internal/http/response"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/services"
)

type DocumentHandler struct {
	docs services.DocumentService
}

func NewDocumentHandler(docs services.DocumentService) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

// POST /api/documents
func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	var req services.CreateDocumentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c, err)
		return
	}
	doc, err := h.docs.Create(dbctx.Context{Ctx: c.Request.Context()}, req)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"document": doc})
}

// GET /api/documents?tag=author:ana&type=article&pinned=true
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	pinned, _ := strconv.ParseBool(c.DefaultQuery("pinned", "false"))
	out, err := h.docs.List(dbctx.Context{Ctx: c.Request.Context()}, services.DocumentFilter{
		Tags:       c.QueryArray("tag"),
		Types:      c.QueryArray("type"),
		PinnedOnly: pinned,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"documents": out})
}

// GET /api/documents/:id
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_document_id")
	if !ok {
		return
	}
	doc, err := h.docs.Get(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"document": doc})
}

// DELETE /api/documents/:id
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_document_id")
	if !ok {
		return
	}
	if err := h.docs.Delete(dbctx.Context{Ctx: c.Request.Context()}, id); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type pinRequest struct {
	Pinned *bool `json:"pinned"`
}

// POST /api/documents/:id/pin
// An empty body pins; {"pinned": false} unpins.
func (h *DocumentHandler) PinDocument(c *gin.Context) {
	id, ok := pathUUID(c, "id", "invalid_document_id")
	if !ok {
		return
	}
	var req pinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadBody(c, err)
			return
		}
	}
	pinned := req.Pinned == nil || *req.Pinned
	doc, err := h.docs.SetPinned(dbctx.Context{Ctx: c.Request.Context()}, id, pinned)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"document": doc})
}

// POST /api/context/preview
func (h *DocumentHandler) PreviewContext(c *gin.Context) {
	var req services.PreviewInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBody(c, err)
		return
	}
	res, err := h.docs.Preview(dbctx.Context{Ctx: c.Request.Context()}, req)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.RespondOK(c, res)
}
