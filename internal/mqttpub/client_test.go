package mqttpub

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicID(t *testing.T) {
	assert.Equal(t, "scale", TopicID("event/scale"))
	assert.Equal(t, "barcode", TopicID("barcode"))
	assert.Equal(t, "", TopicID("event/"))
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", BrokerURL(Config{Host: "localhost", Port: 1883}))
	assert.Equal(t, "ssl://broker:8883", BrokerURL(Config{Host: "broker", Port: 8883, RootCA: "/certs/ca.pem"}))
}

func TestCredentials(t *testing.T) {
	dir := t.TempDir()
	auth := filepath.Join(dir, "auth.json")
	require.NoError(t, os.WriteFile(auth, []byte(`{"user":"scene","password":"s3cret"}`), 0o600))

	user, pass, err := Credentials(Config{AuthFile: auth, Username: "env", Password: "envpw"})
	require.NoError(t, err)
	assert.Equal(t, "scene", user)
	assert.Equal(t, "s3cret", pass)

	user, pass, err = Credentials(Config{Username: "env", Password: "envpw"})
	require.NoError(t, err)
	assert.Equal(t, "env", user)
	assert.Equal(t, "envpw", pass)

	user, _, err = Credentials(Config{Username: "env"})
	require.NoError(t, err)
	assert.Empty(t, user)

	user, _, err = Credentials(Config{AuthFile: filepath.Join(dir, "missing.json"), Username: "env", Password: "envpw"})
	require.NoError(t, err)
	assert.Empty(t, user)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	_, _, err = Credentials(Config{AuthFile: bad})
	require.ErrorContains(t, err, "invalid auth file")
}

func TestRootCATLSRejectsEmptyBundle(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(p, []byte("not a certificate"), 0o600))
	_, err := rootCATLS(p)
	require.ErrorContains(t, err, "no certificates")
}
