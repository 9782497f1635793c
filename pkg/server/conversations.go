package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conclave-ai/conclave/pkg/storage"
)

func (s *Server) handleCreateConversation(c *gin.Context) {
	conv, err := s.store.Create()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleListConversations(c *gin.Context) {
	all, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	active := make([]storage.Metadata, 0, len(all))
	for _, m := range all {
		if !m.Deleted {
			active = append(active, m)
		}
	}
	c.JSON(http.StatusOK, active)
}

func (s *Server) handleListDeleted(c *gin.Context) {
	all, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	deleted := make([]storage.Metadata, 0)
	for _, m := range all {
		if m.Deleted {
			deleted = append(deleted, m)
		}
	}
	c.JSON(http.StatusOK, deleted)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	conv, err := s.store.Get(c.Param("id"))
	if err != nil {
		s.conversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleSoftDelete(c *gin.Context) {
	if err := s.store.SoftDelete(c.Param("id")); err != nil {
		s.conversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleRestore(c *gin.Context) {
	if err := s.store.Restore(c.Param("id")); err != nil {
		s.conversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restored"})
}

func (s *Server) handlePermanentDelete(c *gin.Context) {
	if err := s.store.PermanentDelete(c.Param("id")); err != nil {
		s.conversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "permanently_deleted"})
}

func (s *Server) handleGenerateTitle(c *gin.Context) {
	id := c.Param("id")
	conv, err := s.store.Get(id)
	if err != nil {
		s.conversationError(c, err)
		return
	}

	firstUser := ""
	for _, m := range conv.Messages {
		if m.Role == "user" {
			firstUser = m.Content
			break
		}
	}
	if firstUser == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation has no user messages"})
		return
	}

	newTitle, err := s.titles.Generate(c.Request.Context(), firstUser)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpdateTitle(id, newTitle); err != nil {
		s.conversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": newTitle})
}

func (s *Server) conversationError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
