package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/telecare-signaling/internal/middleware"
	"github.com/mossy-p/telecare-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

const tokenTTL = 12 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username    string      `json:"username" binding:"required"`
	Password    string      `json:"password" binding:"required"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role" binding:"required,oneof=doctor patient"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login handles user login and JWT generation.
// For demo purposes, accepts any username/password combination; the account
// store lives in the REST backend, not in the relay.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		displayName := req.DisplayName
		if displayName == "" {
			displayName = req.Username
		}

		tokenString, err := IssueToken(jwtSecret, req.Username, displayName, req.Role)
		if err != nil {
			log.Error().Err(err).Str("user_id", req.Username).Msg("failed to sign token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: req.Username,
		})
	}
}

// IssueToken signs an HS256 token for userID.
func IssueToken(jwtSecret, userID, displayName string, role models.Role) (string, error) {
	now := time.Now()
	claims := middleware.JWTClaims{
		UserID:      userID,
		DisplayName: displayName,
		Role:        string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}
