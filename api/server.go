package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes wires the REST surface, the metrics endpoint, and the
// websocket entry point onto a gin engine
func RegisterRoutes(r *gin.Engine, handler *DiagramHandler, hub *WebSocketHub, jwtSecret string) {
	r.Use(IdentityMiddleware(jwtSecret))

	apiGroup := r.Group("/api")
	{
		diagrams := apiGroup.Group("/diagrams")
		{
			diagrams.POST("/create", handler.CreateDiagram)
			diagrams.POST("/save", handler.SaveDiagram)
			diagrams.GET("/load", handler.ListDiagrams)
			diagrams.GET("/load/:id", handler.LoadDiagram)
			diagrams.GET("/history/:id", handler.DiagramHistory)
			diagrams.DELETE("/delete/:id", handler.DeleteDiagram)
			diagrams.GET("/export/:id/:format", handler.ExportDiagram)
			diagrams.GET("/sessions/:id", handler.ActiveSessions)
		}
		apiGroup.GET("/health", HealthCheck)
	}

	r.GET("/ws/diagrams/:id", hub.HandleWS)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
