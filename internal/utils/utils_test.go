package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name       string
		userAgent  string
		deviceType string
		platform   string
		isBot      bool
	}{
		{
			name:       "android phone",
			userAgent:  "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Mobile Safari/537.36",
			deviceType: "mobile",
			platform:   "android",
		},
		{
			name:       "windows desktop",
			userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			deviceType: "desktop",
			platform:   "windows",
		},
		{
			name:       "crawler",
			userAgent:  "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			deviceType: "desktop",
			platform:   "unknown",
			isBot:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ParseUserAgent(tt.userAgent)
			assert.Equal(t, tt.deviceType, info.DeviceType)
			assert.Equal(t, tt.platform, info.Platform)
			assert.Equal(t, tt.isBot, info.IsBot)
			assert.NotEmpty(t, info.Browser)
		})
	}

	empty := ParseUserAgent("")
	assert.Equal(t, "unknown", empty.DeviceType)
	assert.Equal(t, "Unknown", empty.Browser)
}

func TestGetRealIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"public real ip", map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7"},
		{"private real ip falls through", map[string]string{"X-Real-IP": "10.0.0.5", "X-Forwarded-For": "198.51.100.2"}, "198.51.100.2"},
		{"first public forwarded", map[string]string{"X-Forwarded-For": "10.0.0.1, 198.51.100.9, 203.0.113.1"}, "198.51.100.9"},
		{"only private forwarded", map[string]string{"X-Forwarded-For": "10.0.0.1, garbage"}, "10.0.0.1"},
		{"direct connection", nil, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "192.0.2.1:4321"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			c.Request = req

			assert.Equal(t, tt.want, GetRealIP(c))
		})
	}
}

func TestGenerateServiceSecrets(t *testing.T) {
	secrets, err := GenerateServiceSecrets()
	require.NoError(t, err)
	assert.Len(t, secrets.JWT, 64)
	assert.Len(t, secrets.MessageEncryption, 64)
	assert.NotEqual(t, secrets.JWT, secrets.MessageEncryption)

	env := secrets.DotEnv()
	assert.Contains(t, env, "JWT_SECRET="+secrets.JWT+"\n")
	assert.Contains(t, env, "MESSAGE_ENCRYPTION_SECRET="+secrets.MessageEncryption+"\n")
}
