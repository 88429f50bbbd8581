package iam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var cheapHasher = PasswordHasher{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16}

func TestPasswordPolicy(t *testing.T) {
	cases := map[string]bool{
		"Admin@123":   true,
		"abc12345":    false,
		"ABC12345!":   false,
		"Abcdefgh!":   false,
		"Abcdefg1":    false,
		"Ab1!":        false,
		"Pässw0rd#":   true,
		"Long Pass1~": true,
	}
	for pw, ok := range cases {
		err := CheckPasswordPolicy(pw)
		if ok {
			assert.NoError(t, err, pw)
			continue
		}
		assert.ErrorIs(t, err, ErrWeakPassword, pw)
	}
}

func TestPasswordPolicyNamesMissingClasses(t *testing.T) {
	err := CheckPasswordPolicy("abc12345")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upper-case letter")
	assert.Contains(t, err.Error(), "symbol")
}

func TestHashAndVerifyArgon2id(t *testing.T) {
	encoded, err := cheapHasher.Hash("Admin@123")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$argon2id$v=19$m=1024,t=1,p=1$")
	assert.NotContains(t, encoded, "Admin@123")

	ok, err := cheapHasher.Verify(encoded, "Admin@123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cheapHasher.Verify(encoded, "Admin@124")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := cheapHasher.Hash("Admin@123")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, other, "salted")
}

func TestVerifyLegacyBcrypt(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("Legacy#2019"), bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := cheapHasher.Verify(string(legacy), "Legacy#2019")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cheapHasher.Verify(string(legacy), "legacy#2019")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMalformed(t *testing.T) {
	for _, encoded := range []string{"", "plain", "$argon2id$v=19$m=1,t=1$abc", "$argon2id$v=18$m=1,t=1,p=1$YQ$YQ"} {
		_, err := cheapHasher.Verify(encoded, "x")
		assert.Error(t, err, encoded)
	}
}
