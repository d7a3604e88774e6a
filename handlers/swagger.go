package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger registers minimal Swagger/OpenAPI endpoints for the auth service.
// - GET /swagger/index.html  -> a small HTML page that loads the OpenAPI JSON
// - GET /swagger/doc.json    -> machine-readable OpenAPI JSON
func RegisterSwagger(rg *gin.Engine) {
	rg.GET("/swagger/index.html", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, swaggerHTML)
	})

	rg.GET("/swagger/doc.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(swaggerJSON))
	})
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>storied-life auth - Swagger</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`

// Minimal OpenAPI document for the auth bridge.
const swaggerJSON = `{
  "openapi": "3.0.0",
  "info": { "title": "storied-life-auth", "version": "v1.0.0" },
  "components": {
    "schemas": {
      "Error": { "type": "object", "properties": { "error": { "type": "string" }, "message": { "type": "string" } } }
    },
    "securitySchemes": {
      "session": { "type": "apiKey", "in": "cookie", "name": "storied_session" },
      "bearer": { "type": "http", "scheme": "bearer", "bearerFormat": "JWT" }
    }
  },
  "paths": {
    "/api/v1/auth/config": {
      "get": { "summary": "Provider discovery document", "responses": { "200": { "description": "issuer, clientId, redirectUri, scopes, responseType, usePKCE, provider" } } }
    },
    "/api/v1/auth/login": {
      "get": { "summary": "Redirect to the identity provider", "parameters": [ { "name": "return_to", "in": "query", "schema": { "type": "string" } } ], "responses": { "302": { "description": "redirect to provider" }, "503": { "description": "provider unavailable" } } },
      "post": { "summary": "Start a login and return the authorization URL", "requestBody": { "content": { "application/json": { "schema": { "type": "object", "properties": { "returnTo": { "type": "string" } } } } } }, "responses": { "200": { "description": "authorizationUrl, state, expiresAt" } } }
    },
    "/api/v1/auth/callback": {
      "get": { "summary": "Provider redirect target; sets the session cookie", "responses": { "302": { "description": "redirect to the frontend" } } },
      "post": { "summary": "Complete a login forwarded by the frontend", "requestBody": { "content": { "application/json": { "schema": { "type": "object", "properties": { "code": { "type": "string" }, "state": { "type": "string" }, "error": { "type": "string" }, "error_description": { "type": "string" }, "codeVerifier": { "type": "string" } } } } } }, "responses": { "200": { "description": "user and session" }, "400": { "description": "invalid_state or exchange_rejected" }, "401": { "description": "token rejected" }, "403": { "description": "user deactivated" }, "503": { "description": "provider unavailable" } } }
    },
    "/api/v1/auth/status": {
      "get": { "summary": "Authentication status", "responses": { "200": { "description": "authenticated, user, authMethod, provider" } } }
    },
    "/api/v1/auth/logout": {
      "post": { "summary": "Revoke the session and return the provider logout URL", "responses": { "200": { "description": "success, logoutUrl" } } }
    },
    "/api/v1/users/me": {
      "get": { "summary": "Current user", "security": [ { "session": [] }, { "bearer": [] } ], "responses": { "200": { "description": "user" }, "401": { "description": "unauthenticated" } } }
    },
    "/api/v1/users/{id}": {
      "get": { "summary": "Look up a user (admin)", "security": [ { "session": [] }, { "bearer": [] } ], "parameters": [ { "name": "id", "in": "path", "required": true, "schema": { "type": "string" } } ], "responses": { "200": { "description": "user" }, "403": { "description": "forbidden" }, "404": { "description": "not found" } } }
    },
    "/health": { "get": { "summary": "Liveness check", "responses": { "200": { "description": "healthy" } } } },
    "/ready": { "get": { "summary": "Readiness check", "responses": { "200": { "description": "ready" }, "503": { "description": "not ready" } } } },
    "/metrics": { "get": { "summary": "Prometheus metrics", "responses": { "200": { "description": "metrics" } } } }
  }
}`
