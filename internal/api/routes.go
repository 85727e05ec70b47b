package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"dream_analyzer_go_backend/internal/auth"
	customerrors "dream_analyzer_go_backend/internal/errors"
	"dream_analyzer_go_backend/internal/models"
	"dream_analyzer_go_backend/internal/services"

	"github.com/gin-gonic/gin"
)

const Version = "2.0.0"

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Services struct {
	DB            Pinger
	Tokens        *auth.TokenService
	Users         *services.UserService
	Dreams        *services.DreamService
	Purchases     *services.PurchaseService
	Subscriptions *services.SubscriptionService
}

func SetupRoutes(r *gin.Engine, s Services) {
	r.GET("/", rootHandler)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Resource not found"})
	})

	requireUser := auth.AuthMiddleware(s.Tokens, s.Users)

	api := r.Group("/api")
	{
		api.GET("/health", healthHandler(s.DB))

		api.POST("/dreams/analyze", requireUser, analyzeDreamHandler(s.Dreams))
		api.GET("/dreams", requireUser, dreamHistoryHandler(s.Dreams))

		api.POST("/purchases/verify", requireUser, verifyPurchaseHandler(s.Purchases))

		api.POST("/subscriptions/verify", requireUser, verifySubscriptionHandler(s.Purchases))
		api.GET("/subscriptions/status", requireUser, subscriptionStatusHandler(s.Subscriptions))
		api.POST("/subscriptions/cancel", requireUser, cancelSubscriptionHandler(s.Subscriptions))
	}
}

func rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":      "Dream Analyzer API",
		"status":       "running",
		"version":      Version,
		"health_check": "/api/health",
	})
}

func healthHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": models.FormatTime(time.Now()),
			"version":   Version,
		})
	}
}

func analyzeDreamHandler(dreamService *services.DreamService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			DreamText  string   `json:"dreamText"`
			Context    string   `json:"context"`
			MoodBefore *string  `json:"mood_before"`
			MoodAfter  *string  `json:"mood_after"`
			Tags       []string `json:"tags"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			customerrors.HandleError(c, customerrors.New400Error("Invalid request body"))
			return
		}

		result, err := dreamService.Analyze(c.Request.Context(), auth.CurrentUser(c), services.AnalyzeRequest{
			DreamText:  request.DreamText,
			Context:    request.Context,
			MoodBefore: request.MoodBefore,
			MoodAfter:  request.MoodAfter,
			Tags:       request.Tags,
		})
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}

		dream := result.Dream
		c.JSON(http.StatusOK, gin.H{
			"success":           true,
			"dream_id":          dream.ID.String(),
			"dream_text":        dream.DreamText,
			"analysis":          dream.Analysis,
			"advice":            dream.Advice,
			"timestamp":         models.FormatTime(dream.CreatedAt),
			"credits_remaining": result.CreditsRemaining,
		})
	}
}

func dreamHistoryHandler(dreamService *services.DreamService) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(services.DefaultPerPage)))

		history, err := dreamService.History(c.Request.Context(), auth.CurrentUser(c).ID, page, perPage)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}

		dreams := make([]models.DreamView, len(history.Dreams))
		for i := range history.Dreams {
			dreams[i] = history.Dreams[i].View()
		}
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"dreams":       dreams,
			"total":        history.Total,
			"pages":        history.Pages,
			"current_page": history.Page,
			"per_page":     history.PerPage,
		})
	}
}

type verifyRequest struct {
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
}

func verifyPurchaseHandler(purchaseService *services.PurchaseService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request verifyRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			customerrors.HandleError(c, customerrors.New400Error("Product ID and purchase token are required"))
			return
		}

		result, err := purchaseService.VerifyProduct(c.Request.Context(), auth.CurrentUser(c), request.ProductID, request.PurchaseToken)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}

		status := "success"
		if result.AlreadyProcessed {
			status = "already_processed"
		}
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"status":       status,
			"creditsAdded": result.CreditsAdded,
			"totalCredits": result.User.Credits,
		})
	}
}

func verifySubscriptionHandler(purchaseService *services.PurchaseService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request verifyRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			customerrors.HandleError(c, customerrors.New400Error("Product ID and purchase token are required"))
			return
		}

		result, err := purchaseService.VerifySubscription(c.Request.Context(), auth.CurrentUser(c), request.ProductID, request.PurchaseToken)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}

		status, message := "success", "Subscription verified successfully"
		if result.AlreadyProcessed {
			status, message = "already_processed", "Subscription already processed"
		}
		user := result.User
		c.JSON(http.StatusOK, gin.H{
			"status":                status,
			"message":               message,
			"credits_added":         result.CreditsAdded,
			"total_credits":         user.Credits,
			"subscription_status":   user.SubscriptionStatus,
			"subscription_type":     user.SubscriptionType,
			"subscription_end_date": models.FormatTimePtr(user.SubscriptionEndDate),
		})
	}
}

func subscriptionStatusHandler(subscriptionService *services.SubscriptionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := subscriptionService.GetStatus(c.Request.Context(), auth.CurrentUser(c).ID)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func cancelSubscriptionHandler(subscriptionService *services.SubscriptionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := subscriptionService.Cancel(c.Request.Context(), auth.CurrentUser(c).ID)
		if err != nil {
			customerrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":              "success",
			"message":             "Subscription will not auto-renew",
			"subscription_status": user.SubscriptionStatus,
		})
	}
}
