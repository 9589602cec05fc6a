package server

import (
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"clinicguard/internal/auth"
	"clinicguard/internal/demo"
	"clinicguard/internal/guard"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.started).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) scheduleDemo(c *gin.Context) {
	var req demo.Request
	if !s.bind(c, &req) {
		return
	}

	booking := s.demos.Add(req, c.GetString(guard.ClientIPKey))
	s.log.Infow("Demo booking received", "booking_id", booking.ID, "clinic", booking.ClinicName)
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Demo scheduled successfully",
		"booking": booking,
	})
}

// bookingView is the admin shape of a booking, with the submitter's IP.
type bookingView struct {
	demo.Booking
	ClientIP string `json:"client_ip"`
}

func (s *Server) listBookings(c *gin.Context) {
	list := s.demos.List()
	out := make([]bookingView, 0, len(list))
	for _, b := range list {
		out = append(out, bookingView{Booking: b, ClientIP: b.ClientIP})
	}
	c.JSON(http.StatusOK, gin.H{"bookings": out, "total": len(out)})
}

func (s *Server) getBooking(c *gin.Context) {
	b, ok := s.demos.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
		return
	}
	c.JSON(http.StatusOK, bookingView{Booking: b, ClientIP: b.ClientIP})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if !s.bind(c, &req) {
		return
	}
	if s.auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin login is not configured"})
		return
	}

	token, expires, err := s.auth.Login(req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrNoUsers):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin login is not configured"})
		return
	case err != nil:
		s.log.Warnw("Failed admin login", "ip", c.GetString(guard.ClientIPKey), "email", req.Email)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	s.log.Infow("Admin logged in", "ip", c.GetString(guard.ClientIPKey), "email", req.Email)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) status(c *gin.Context) {
	st, err := s.guard.Status(c.Request.Context())
	if err != nil {
		s.log.Errorw("Failed to read guard status", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read security status"})
		return
	}
	c.JSON(http.StatusOK, st)
}

type blockRequest struct {
	IP              string `json:"ip" binding:"required,ip"`
	DurationSeconds int    `json:"duration_seconds" binding:"gte=0"`
}

func (s *Server) blockIP(c *gin.Context) {
	var req blockRequest
	if !s.bind(c, &req) {
		return
	}
	addr, err := netip.ParseAddr(req.IP)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "fields": gin.H{"ip": "invalid IP address"}})
		return
	}
	entry, err := s.guard.Block(c.Request.Context(), addr.String(), time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		s.log.Errorw("Manual block failed", "ip", req.IP, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to block IP"})
		return
	}
	s.log.Infow("IP blocked by admin", "ip", entry.IP, "admin", c.GetString(adminSubjectKey))
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) unblockIP(c *gin.Context) {
	addr, err := netip.ParseAddr(c.Param("ip"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid IP address"})
		return
	}
	removed, err := s.guard.Unblock(c.Request.Context(), addr.String())
	if err != nil {
		s.log.Errorw("Unblock failed", "ip", addr.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unblock IP"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "IP is not blocked"})
		return
	}
	s.log.Infow("IP unblocked by admin", "ip", addr.String(), "admin", c.GetString(adminSubjectKey))
	c.JSON(http.StatusOK, gin.H{"ip": addr.String(), "unblocked": true})
}

// bind decodes and validates a JSON body and writes the error response
// itself.
func (s *Server) bind(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	var invalid validator.ValidationErrors
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "fields": fieldErrors(invalid)})
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
	case errors.Is(err, io.EOF):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body is required"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
	}
	return false
}
