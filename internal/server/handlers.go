package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vgrid/tokengate/internal/auth"
	"github.com/vgrid/tokengate/internal/auth/exchange"
	"github.com/vgrid/tokengate/internal/middleware"
)

// exchangeResponse is the 200 body of POST /api/auth/exchange.
type exchangeResponse struct {
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Provider     string    `json:"provider"`
}

// errorResponse is the error body shared by all failure statuses.
type errorResponse struct {
	Error      string      `json:"error"`
	Message    string      `json:"message"`
	StatusCode int         `json:"statusCode"`
	Usage      *usageInfo  `json:"usage,omitempty"`
}

// usageInfo reports limiter state on 429 responses.
type usageInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func (s *Server) handleExchange(c *gin.Context) {
	req := &exchange.Request{
		Token:     middleware.BearerToken(c),
		ClientIP:  s.ipExtract.Extract(c.Request),
		UserAgent: c.Request.UserAgent(),
	}

	resp, err := s.exchanger.Exchange(c.Request.Context(), req)
	if err != nil {
		s.writeExchangeError(c, err)
		return
	}

	c.JSON(http.StatusOK, exchangeResponse{
		SessionToken: resp.SessionToken,
		ExpiresAt:    resp.ExpiresAt,
		Provider:     resp.Provider,
	})
}

// writeExchangeError maps a taxonomy error to its wire shape. Only the
// stable discriminator and safe message ever reach the caller.
func (s *Server) writeExchangeError(c *gin.Context, err error) {
	code := auth.CodeOf(err)
	status := auth.HTTPStatus(code)

	body := errorResponse{
		Error:      auth.Discriminator(code),
		Message:    auth.SafeMessage(code),
		StatusCode: status,
	}

	var rle *exchange.RateLimitedError
	if errors.As(err, &rle) && rle.Result != nil {
		body.Usage = &usageInfo{
			Limit:     rle.Result.Limit,
			Remaining: rle.Result.Remaining,
			ResetAt:   rle.Result.ResetAt,
		}
		if rle.Result.RetryAfter > 0 {
			seconds := int(rle.Result.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
		}
	}

	c.JSON(status, body)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSessionInfo returns the claims of the presented session token.
// Downstream services use the same verification path.
func (s *Server) handleSessionInfo(c *gin.Context) {
	claims := middleware.GetSessionClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, errorResponse{
			Error:      "Unauthorized",
			Message:    "missing session",
			StatusCode: http.StatusUnauthorized,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":    claims.Subject,
		"provider":  claims.Provider,
		"email":     claims.Email,
		"expiresAt": claims.ExpiresAt,
	})
}
