package store

import (
	"testing"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/assert"
)

func TestNamespace(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{LoginAttemptsKey("bob@example.com"), NSLoginAttempts},
		{SessionKey("abc"), NSSession},
		{UserSessionsKey("u1"), NSUserSessions},
		{UsedTOTPKey("u1", "123456"), NSUsedTOTP},
		{"unrelated", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Namespace(tt.key), tt.key)
	}
}

func TestEscapePattern(t *testing.T) {
	id := "weird*user?[1]"
	g := glob.MustCompile(NSUserSessions + EscapePattern(id))
	assert.True(t, g.Match(UserSessionsKey(id)))
	assert.False(t, g.Match(UserSessionsKey("weirdXuserY1")))
}
