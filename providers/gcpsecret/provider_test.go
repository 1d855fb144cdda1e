package gcpsecret

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/lixenwraith/vaultenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	resp *secretmanagerpb.AccessSecretVersionResponse
	err  error
	name string
}

func (s *stubClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.name = req.GetName()
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func payload(data string) *secretmanagerpb.AccessSecretVersionResponse {
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(data)},
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("ShortNameExpanded", func(t *testing.T) {
		stub := &stubClient{resp: payload(`{"API_KEY": "k", "NESTED": {"a": 1}}`)}
		p, err := New("app-secrets", WithClient(stub), WithProject("demo"), WithVersion("3"))
		require.NoError(t, err)

		got, err := p.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, "k", got["API_KEY"])
		assert.Equal(t, map[string]any{"a": float64(1)}, got["NESTED"])
		assert.Equal(t, "projects/demo/secrets/app-secrets/versions/3", stub.name)
	})

	t.Run("FullResourceName", func(t *testing.T) {
		name := "projects/p/secrets/s/versions/latest"
		stub := &stubClient{resp: payload(`{}`)}
		p, err := New(name, WithClient(stub))
		require.NoError(t, err)

		got, err := p.Fetch(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, name, stub.name)
		assert.Equal(t, "gcpsecret:"+name, p.Describe())
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		p, err := New("s", WithClient(&stubClient{resp: &secretmanagerpb.AccessSecretVersionResponse{}}), WithProject("p"))
		require.NoError(t, err)
		_, err = p.Fetch(ctx)
		assert.ErrorIs(t, err, vaultenv.ErrSchemaMismatch)
	})

	t.Run("Malformed", func(t *testing.T) {
		p, err := New("s", WithClient(&stubClient{resp: payload("nope")}), WithProject("p"))
		require.NoError(t, err)
		_, err = p.Fetch(ctx)
		assert.ErrorIs(t, err, vaultenv.ErrMalformedResponse)
	})

	t.Run("ClientError", func(t *testing.T) {
		p, err := New("s", WithClient(&stubClient{err: errors.New("PermissionDenied")}), WithProject("p"))
		require.NoError(t, err)
		_, err = p.Fetch(ctx)
		assert.ErrorIs(t, err, vaultenv.ErrBackend)
	})
}

func TestNew(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("short")
	assert.ErrorContains(t, err, "project must be set")
}
