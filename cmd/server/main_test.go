package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/cache"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/server"
)

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, "ok", response["status"])
}

func TestStatsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	responseCache := cache.New(cache.DefaultTTLConfig(), 0)
	defer responseCache.Close()
	stats := server.Stats{ActiveSessions: 2, TotalConnections: 5}

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connections": stats,
			"cache":       responseCache.Stats(),
		})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/stats", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response struct {
		Connections server.Stats `json:"connections"`
		Cache       cache.Stats  `json:"cache"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 2, response.Connections.ActiveSessions)
	assert.Equal(t, int64(5), response.Connections.TotalConnections)
}
