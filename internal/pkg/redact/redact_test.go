package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue(t *testing.T) {
	assert.Equal(t, "", Value(""))
	assert.Equal(t, redactedValue, Value("hunter2"))
}

func TestIdentifier(t *testing.T) {
	a := Identifier("u@test")
	assert.Len(t, a, 12)
	assert.Equal(t, a, Identifier("u@test"))
	assert.NotEqual(t, a, Identifier("v@test"))
	assert.Equal(t, "", Identifier(""))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "login:attempts:"+redactedValue, Key("login:attempts:u@test", "login:attempts:"))
	assert.Equal(t, redactedValue, Key("session:abc", "login:attempts:"))
	assert.Equal(t, redactedValue, Key("session:abc", ""))
}
