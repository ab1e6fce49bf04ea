package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"affiliate-ledger/pkg/models"

	"github.com/gin-gonic/gin"
)

type payoutEmailRequest struct {
	PayoutEmail string `json:"payout_email"`
}

type trackReferralRequest struct {
	Code string `json:"code" binding:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type resolvePayoutRequest struct {
	Succeeded *bool  `json:"succeeded" binding:"required"`
	Reason    string `json:"reason"`
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// bindJSON разбирает тело запроса. optional допускает пустое тело,
// в том числе переданное chunked без Content-Length.
func (s *Server) bindJSON(c *gin.Context, dst interface{}, optional bool) bool {
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(c, s.logger, models.ErrInvalidInput.Wrap(err))
		return false
	}
	return true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}

// currentAffiliate возвращает партнера текущего пользователя
func (s *Server) currentAffiliate(c *gin.Context) (*models.Affiliate, bool) {
	affiliate, err := s.affiliates.GetByUser(c.Request.Context(), principal(c).UserID)
	if err != nil {
		writeError(c, s.logger, err)
		return nil, false
	}
	return affiliate, true
}

func (s *Server) enroll(c *gin.Context) {
	var req payoutEmailRequest
	if !s.bindJSON(c, &req, true) {
		return
	}

	affiliate, created, err := s.affiliates.Enroll(c.Request.Context(), principal(c).UserID, req.PayoutEmail)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"affiliate":     affiliate,
		"referral_link": s.affiliates.ReferralLink(affiliate.ReferralCode),
	})
}

func (s *Server) overview(c *gin.Context) {
	overview, err := s.affiliates.Overview(c.Request.Context(), principal(c).UserID)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (s *Server) updatePayoutEmail(c *gin.Context) {
	var req payoutEmailRequest
	if !s.bindJSON(c, &req, false) {
		return
	}

	affiliate, err := s.affiliates.UpdatePayoutEmail(c.Request.Context(), principal(c).UserID, req.PayoutEmail)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, affiliate)
}

func (s *Server) listCommissions(c *gin.Context) {
	affiliate, ok := s.currentAffiliate(c)
	if !ok {
		return
	}

	filter := models.CommissionFilter{
		Limit:  queryInt(c, "limit"),
		Offset: queryInt(c, "offset"),
	}
	if status := c.Query("status"); status != "" {
		st := models.CommissionStatus(status)
		filter.Status = &st
	}

	commissions, err := s.commissions.List(c.Request.Context(), affiliate.ID, filter)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": commissions})
}

func (s *Server) listReferrals(c *gin.Context) {
	affiliate, ok := s.currentAffiliate(c)
	if !ok {
		return
	}

	referrals, err := s.referrals.List(c.Request.Context(), affiliate.ID)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrals": referrals})
}

func (s *Server) requestPayout(c *gin.Context) {
	payout, err := s.payouts.Request(c.Request.Context(), principal(c).UserID)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, payout)
}

func (s *Server) listPayouts(c *gin.Context) {
	affiliate, ok := s.currentAffiliate(c)
	if !ok {
		return
	}

	payouts, err := s.payouts.List(c.Request.Context(), affiliate.ID, queryInt(c, "limit"), queryInt(c, "offset"))
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

func (s *Server) getPayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, s.logger, models.ErrInvalidInput)
		return
	}

	affiliate, ok := s.currentAffiliate(c)
	if !ok {
		return
	}

	payout, err := s.payouts.Get(c.Request.Context(), affiliate.ID, id)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (s *Server) trackReferral(c *gin.Context) {
	var req trackReferralRequest
	if !s.bindJSON(c, &req, false) {
		return
	}

	referral, err := s.referrals.Track(c.Request.Context(), principal(c).UserID, req.Code)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, referral)
}

func (s *Server) approveCommission(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, s.logger, models.ErrInvalidInput)
		return
	}

	commission, err := s.commissions.Approve(c.Request.Context(), id)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, commission)
}

func (s *Server) cancelCommission(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, s.logger, models.ErrInvalidInput)
		return
	}

	var req cancelRequest
	if !s.bindJSON(c, &req, true) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by admin"
	}

	commission, err := s.commissions.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, commission)
}

func (s *Server) dispatchPayouts(c *gin.Context) {
	n, err := s.payouts.DispatchPending(c.Request.Context())
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatched": n})
}

func (s *Server) resolvePayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, s.logger, models.ErrInvalidInput)
		return
	}

	var req resolvePayoutRequest
	if !s.bindJSON(c, &req, false) {
		return
	}

	payout, err := s.payouts.Resolve(c.Request.Context(), id, *req.Succeeded, req.Reason)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (s *Server) setAffiliateActive(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, s.logger, models.ErrInvalidInput)
		return
	}

	var req setActiveRequest
	if !s.bindJSON(c, &req, false) {
		return
	}

	affiliate, err := s.affiliates.SetActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, affiliate)
}

func (s *Server) reconcileAffiliate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, s.logger, models.ErrInvalidInput)
		return
	}

	report, err := s.affiliates.Reconcile(c.Request.Context(), id)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) reconcileAll(c *gin.Context) {
	drifted, err := s.affiliates.ReconcileAll(c.Request.Context())
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	if drifted == nil {
		drifted = []*models.LedgerReport{}
	}
	c.JSON(http.StatusOK, gin.H{"drifted": drifted})
}

func (s *Server) cancelReferral(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, s.logger, models.ErrInvalidInput)
		return
	}

	referral, err := s.referrals.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, referral)
}
