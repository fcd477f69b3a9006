package logic

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"
)

func TestSyncBrokerUsers(t *testing.T) {
	db, _ := openTestDB(t)

	secrets := DefaultSecrets()
	loaderPW, err := SyncBrokerUsers(db, secrets, "")
	require.NoError(t, err)
	assert.NotEmpty(t, loaderPW)

	users, acls, err := BrokerUsers(db)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, Auth{Username: "admin", Password: "admin", Allow: true}, users[0])
	assert.Equal(t, "loader", users[1].Username)
	assert.Equal(t, loaderPW, users[1].Password)
	assert.Equal(t, Filters{"venus-influx-loader/events/#": 1}, acls[0].Filters)
	assert.Equal(t, Filters{"#": 3}, acls[1].Filters)

	// renamed login replaces the old broker user
	secrets.Login = LoginConfig{Username: "operator", Password: "secret"}
	_, err = SyncBrokerUsers(db, secrets, "admin")
	require.NoError(t, err)

	exists, err := userExists(db, "admin")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = userExists(db, "operator")
	require.NoError(t, err)
	assert.True(t, exists)

	_, acls, err = BrokerUsers(db)
	require.NoError(t, err)
	assert.Len(t, acls, 2)
}

func TestSyncBrokerUsersRequiresLogin(t *testing.T) {
	db, _ := openTestDB(t)
	_, err := SyncBrokerUsers(db, SecretsConfig{}, "")
	assert.Error(t, err)
}

func TestBrokerAuthData(t *testing.T) {
	db, _ := openTestDB(t)
	_, err := SyncBrokerUsers(db, DefaultSecrets(), "")
	require.NoError(t, err)

	data, err := BrokerAuthData(db)
	require.NoError(t, err)

	var parsed struct {
		Auth []struct {
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			Allow    bool   `yaml:"allow"`
		} `yaml:"auth"`
		ACL []struct {
			Username string         `yaml:"username"`
			Filters  map[string]int `yaml:"filters"`
		} `yaml:"acl"`
	}
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	require.Len(t, parsed.Auth, 2)
	assert.Equal(t, "admin", parsed.Auth[0].Username)
	assert.True(t, parsed.Auth[0].Allow)
	require.Len(t, parsed.ACL, 2)
	assert.Equal(t, 1, parsed.ACL[0].Filters["venus-influx-loader/events/#"])
}

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VIL_TLS_CERT", "")
	t.Setenv("VIL_TLS_KEY", "")

	cert, err := GenerateSelfSignedCert(dir)
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "venus-influx-loader", parsed.Subject.CommonName)

	// second call loads the stored pair
	again, err := GenerateSelfSignedCert(dir)
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}
