package auth

import (
	"net/http"
	"strings"
	"time"

	customerrors "dream_analyzer_go_backend/internal/errors"
	"dream_analyzer_go_backend/internal/models"
	"dream_analyzer_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	userKey   = "user"
	claimsKey = "claims"
)

func SetupRoutes(r *gin.Engine, tokens *TokenService, userService *services.UserService) {
	auth := r.Group("/api/auth")
	{
		auth.POST("/register", registerHandler(tokens, userService))
		auth.POST("/login", loginHandler(tokens, userService))
		auth.POST("/refresh", refreshHandler(tokens, userService))

		protected := auth.Group("", AuthMiddleware(tokens, userService))
		protected.POST("/logout", logoutHandler(tokens))
		protected.GET("/profile", getProfileHandler(userService))
		protected.PUT("/profile", updateProfileHandler(userService))
		protected.POST("/change-password", changePasswordHandler(userService))
		protected.GET("/stats", statsHandler(userService))
	}
}

// AuthMiddleware accepts an access token from the Authorization header, or
// from the token query parameter on websocket upgrades, and loads the user.
func AuthMiddleware(tokens *TokenService, userService *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := zerolog.Ctx(c.Request.Context())

		var raw string
		if websocket.IsWebSocketUpgrade(c.Request) {
			raw = c.Query("token")
		} else {
			var err error
			if raw, err = bearerToken(c); err != nil {
				customerrors.HandleError(c, err)
				return
			}
		}
		if raw == "" {
			customerrors.HandleError(c, customerrors.New401Error("Token required"))
			return
		}

		claims, err := tokens.Parse(c.Request.Context(), raw, AccessToken)
		if err != nil {
			log.Debug().Err(err).Msg("Rejected access token")
			customerrors.HandleError(c, err)
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			customerrors.HandleError(c, customerrors.New401Error("Invalid token"))
			return
		}
		user, err := userService.GetActiveByID(c.Request.Context(), userID)
		if err != nil {
			customerrors.HandleError(c, customerrors.New401Error("User not found or inactive"))
			return
		}

		c.Set(userKey, user)
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// CurrentUser returns the user loaded by AuthMiddleware.
func CurrentUser(c *gin.Context) *models.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(*models.User); ok {
			return u
		}
	}
	return nil
}

func currentClaims(c *gin.Context) *Claims {
	if v, ok := c.Get(claimsKey); ok {
		if cl, ok := v.(*Claims); ok {
			return cl
		}
	}
	return nil
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", customerrors.New401Error("Authorization header is required")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", customerrors.New401Error("Invalid authorization header")
	}
	return parts[1], nil
}

type registerRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	Gender      string `json:"gender"`
	DateOfBirth string `json:"date_of_birth"`
}

func registerHandler(tokens *TokenService, userService *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			customerrors.HandleError(c, customerrors.New400Error("No data provided"))
			return
		}

		in := services.RegisterInput{
			Email:       req.Email,
			Username:    req.Username,
			Password:    req.Password,
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			PhoneNumber: req.PhoneNumber,
			Gender:      req.Gender,
		}
		if req.DateOfBirth != "" {
			dob, err := time.Parse("2006-01-02", req.DateOfBirth)
			if err != nil {
				customerrors.HandleError(c, customerrors.New400Error("Invalid date format for date_of_birth"))
				return
			}
			in.DateOfBirth = &dob
		}

		ctx := c.Request.Context()
		user, err := userService.Register(ctx, in)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		pair, err := tokens.IssueTokens(ctx, user, c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"message":       "User registered successfully",
			"user":          user.View(0),
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
		})
	}
}

type loginRequest struct {
	Login           string `json:"login"`
	EmailOrUsername string `json:"email_or_username"`
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
}

func (r loginRequest) identifier() string {
	for _, v := range []string{r.Login, r.EmailOrUsername, r.Email, r.Username} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func loginHandler(tokens *TokenService, userService *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			customerrors.HandleError(c, customerrors.New400Error("No data provided"))
			return
		}

		ctx := c.Request.Context()
		user, err := userService.Authenticate(ctx, req.identifier(), req.Password)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		pair, err := tokens.IssueTokens(ctx, user, c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		view, err := userService.View(ctx, user)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":       "Login successful",
			"user":          view,
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
		})
	}
}

func logoutHandler(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := currentClaims(c)
		if claims == nil {
			customerrors.HandleError(c, customerrors.New401Error(""))
			return
		}
		if err := tokens.Logout(c.Request.Context(), claims); err != nil {
			customerrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Logout successful"})
	}
}

func refreshHandler(tokens *TokenService, userService *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		ctx := c.Request.Context()
		claims, err := tokens.Parse(ctx, raw, RefreshToken)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			customerrors.HandleError(c, customerrors.New401Error("Invalid token"))
			return
		}
		user, err := userService.GetActiveByID(ctx, userID)
		if err != nil {
			customerrors.HandleError(c, customerrors.New404Error("User not found or inactive"))
			return
		}
		access, err := tokens.Refresh(ctx, claims)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		view, err := userService.View(ctx, user)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token": access,
			"user":         view,
		})
	}
}

func getProfileHandler(userService *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := userService.View(c.Request.Context(), CurrentUser(c))
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": view})
	}
}

type profileRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Email     *string `json:"email"`
}

func updateProfileHandler(userService *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req profileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			customerrors.HandleError(c, customerrors.New400Error("No data provided"))
			return
		}
		ctx := c.Request.Context()
		user, err := userService.UpdateProfile(ctx, CurrentUser(c), services.ProfileUpdate{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Email:     req.Email,
		})
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		view, err := userService.View(ctx, user)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Profile updated successfully",
			"user":    view,
		})
	}
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func changePasswordHandler(userService *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changePasswordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			customerrors.HandleError(c, customerrors.New400Error("No data provided"))
			return
		}
		if err := userService.ChangePassword(c.Request.Context(), CurrentUser(c), req.CurrentPassword, req.NewPassword); err != nil {
			customerrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Password changed successfully"})
	}
}

func statsHandler(userService *services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := userService.Stats(c.Request.Context(), CurrentUser(c))
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
