package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type initiatePaymentRequest struct {
	OrderID int64 `json:"order_id" binding:"required"`
}

type refundRequest struct {
	OrderID int64           `json:"order_id" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
}

func (h *Handler) initiateKhalti(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	res, err := h.payments.InitiateKhaltiPayment(c.Request.Context(), req.OrderID, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) verifyKhalti(c *gin.Context) {
	pidx := c.Query("pidx")
	if pidx == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "pidx is required",
			"kind":  "validation",
		})
		return
	}

	res, err := h.payments.VerifyKhaltiPayment(c.Request.Context(), pidx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) refundKhalti(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	res, err := h.payments.RefundKhaltiPayment(c.Request.Context(), req.OrderID, userID(c), req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
