package utils

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/digimarket/reservation-core/internal/models"
)

// RequestMeta collects the client details recorded in audit rows
func RequestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{
		IPAddress: GetRealIP(c),
		UserAgent: c.Request.UserAgent(),
	}
}

// GetRealIP extracts the client IP address from the request.
//
// Priority order:
//  1. X-Real-IP header (set by reverse proxies like Nginx)
//  2. the first public address in X-Forwarded-For
//  3. Gin's ClientIP() for direct connections
func GetRealIP(c *gin.Context) string {
	realIP := strings.TrimSpace(c.Request.Header.Get("X-Real-IP"))
	if ip := net.ParseIP(realIP); ip != nil && !isPrivateIP(ip) {
		return realIP
	}

	if forwarded := c.Request.Header.Get("X-Forwarded-For"); forwarded != "" {
		var firstValid string
		for _, part := range strings.Split(forwarded, ",") {
			candidate := strings.TrimSpace(part)
			ip := net.ParseIP(candidate)
			if ip == nil {
				continue
			}
			if firstValid == "" {
				firstValid = candidate
			}
			if !isPrivateIP(ip) && !ip.IsLoopback() {
				return candidate
			}
		}
		if firstValid != "" {
			return firstValid
		}
	}

	return c.ClientIP()
}

// isPrivateIP checks if an IP is in a private range
func isPrivateIP(ip net.IP) bool {
	return ip != nil && ip.IsPrivate()
}
