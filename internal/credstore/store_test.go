// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llxprt/agentrt/internal/translator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	// PBKDF2 at a low iteration count keeps the test fast; the derivation
	// path is identical.
	s, err := Open(filepath.Join(t.TempDir(), "creds.db"), NewPBKDF2AesGcmCipher("test-passphrase", 1000))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func oauthRecord(name string) Record {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	return Record{
		Provider: translator.ProviderAnthropic,
		AuthType: translator.AuthTypeOAuth,
		Name:     name,
		Credentials: Credentials{
			AccessToken:  "at_1",
			RefreshToken: "rt_1",
			TokenType:    "Bearer",
			Scope:        "user:inference",
		},
		ExpiresAt: &exp,
	}
}

func TestNormalizeSessionName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "default", want: "default"},
		{in: "My Work Account", want: "my_work_account"},
		{in: "  Team-1  ", want: "team-1"},
		{in: "ab", wantErr: true},
		{in: "has/slash", wantErr: true},
		{in: "", wantErr: true},
		{in: string(make([]byte, 60)), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizeSessionName(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidSessionName)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := oauthRecord("Work Account")
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, translator.ProviderAnthropic, translator.AuthTypeOAuth, "work account")
	require.NoError(t, err)
	require.Equal(t, "work_account", got.Name)
	require.Equal(t, rec.Credentials, got.Credentials)
	require.NotNil(t, got.ExpiresAt)
	require.WithinDuration(t, *rec.ExpiresAt, *got.ExpiresAt, time.Second)
}

func TestStore_PutUpsertsAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := oauthRecord("default")
	require.NoError(t, s.Put(ctx, rec))

	rec.Credentials.AccessToken = "at_2"
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, rec.Provider, rec.AuthType, rec.Name)
	require.NoError(t, err)
	require.Equal(t, "at_2", got.Credentials.AccessToken)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStore_Validation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("oauth without expiry", func(t *testing.T) {
		rec := oauthRecord("default")
		rec.ExpiresAt = nil
		require.ErrorIs(t, s.Put(ctx, rec), ErrInvalidCredentials)
	})
	t.Run("api key without key", func(t *testing.T) {
		rec := Record{
			Provider: translator.ProviderOpenAIChat,
			AuthType: translator.AuthTypeAPIKey,
			Name:     "default",
		}
		require.ErrorIs(t, s.Put(ctx, rec), ErrInvalidCredentials)
	})
	t.Run("unknown provider", func(t *testing.T) {
		rec := oauthRecord("default")
		rec.Provider = "mystery"
		require.ErrorIs(t, s.Put(ctx, rec), translator.ErrUnsupportedProvider)
	})
	t.Run("api key needs no expiry", func(t *testing.T) {
		rec := Record{
			Provider:    translator.ProviderOpenAIChat,
			AuthType:    translator.AuthTypeAPIKey,
			Name:        "default",
			Credentials: Credentials{APIKey: "sk-x"},
		}
		require.NoError(t, s.Put(ctx, rec))
	})
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), translator.ProviderGemini, translator.AuthTypeOAuth, "default")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := oauthRecord("default")
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Delete(ctx, rec.Provider, rec.AuthType, rec.Name))
	require.ErrorIs(t, s.Delete(ctx, rec.Provider, rec.AuthType, rec.Name), ErrNotFound)
}

func TestStore_MarkRequiresReauth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := oauthRecord("default")
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.MarkRequiresReauth(ctx, rec.Provider, rec.AuthType, rec.Name))

	got, err := s.Get(ctx, rec.Provider, rec.AuthType, rec.Name)
	require.NoError(t, err)
	require.True(t, got.Credentials.RequiresReauth)
	// The tokens stay in place so the user can inspect what was stored.
	require.Equal(t, "at_1", got.Credentials.AccessToken)
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := oauthRecord("alpha")
	b := oauthRecord("beta")
	b.Provider = translator.ProviderGemini
	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, b))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, translator.ProviderAnthropic, all[0].Provider)
	require.Equal(t, translator.ProviderGemini, all[1].Provider)
}

func TestCipher_RoundTrip(t *testing.T) {
	c := NewPBKDF2AesGcmCipher("passphrase", 1000)

	tests := map[string]string{
		"simple":  "hello",
		"json":    `{"access_token":"secret"}`,
		"empty":   "",
		"unicode": "héllo wörld ☃",
	}
	for name, plaintext := range tests {
		t.Run(name, func(t *testing.T) {
			encrypted, err := c.Encrypt(plaintext)
			require.NoError(t, err)
			require.NotEqual(t, plaintext, encrypted)

			decrypted, err := c.Decrypt(encrypted)
			require.NoError(t, err)
			require.Equal(t, plaintext, decrypted)
		})
	}
}

func TestCipher_DistinctCiphertexts(t *testing.T) {
	c := NewPBKDF2AesGcmCipher("passphrase", 1000)
	a, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCipher_WrongPassphrase(t *testing.T) {
	c1 := NewPBKDF2AesGcmCipher("right", 1000)
	c2 := NewPBKDF2AesGcmCipher("wrong", 1000)

	encrypted, err := c1.Encrypt("secret")
	require.NoError(t, err)
	_, err = c2.Decrypt(encrypted)
	require.Error(t, err)
}

func TestCipher_GarbageInput(t *testing.T) {
	c := NewPBKDF2AesGcmCipher("passphrase", 1000)
	_, err := c.Decrypt("not base64!!!")
	require.Error(t, err)
	_, err = c.Decrypt("c2hvcnQ=")
	require.Error(t, err)
}
