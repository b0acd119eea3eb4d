package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// APIResponse is the envelope of every REST reply.
type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func SendAPIResponse(c *gin.Context, code int, success bool, message string, data any) {
	resp := APIResponse{
		Success:   success,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	c.JSON(code, resp)
}

// Abort writes a failed envelope and stops the handler chain.
func Abort(c *gin.Context, code int, message string) {
	SendAPIResponse(c, code, false, message, nil)
	c.Abort()
}
