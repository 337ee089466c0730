package hub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveUnix starts an HTTP server on a unix socket and returns the socket path.
func serveUnix(t *testing.T, h http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hub")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "s.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(h)
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)
	return sock
}

func TestKeySigner(t *testing.T) {
	key := []byte("secret-key")
	signer, err := NewKeySigner(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("data"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got, err := signer.Sign(context.Background(), []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = NewKeySigner("not base64!")
	assert.Error(t, err)
}

func TestSasToken(t *testing.T) {
	expiry := time.Unix(1700000000, 0)
	token, err := sasToken(context.Background(), staticSigner("a+b="), "hub.example.net/devices/dev1", expiry)
	require.NoError(t, err)
	assert.Equal(t,
		"SharedAccessSignature sr=hub.example.net%2Fdevices%2Fdev1&sig=a%2Bb%3D&se=1700000000",
		token)
}

func TestParseConnectionString(t *testing.T) {
	fields, err := ParseConnectionString("HostName=hub.example.net;DeviceId=dev1;ModuleId=mod1;SharedAccessKey=a2V5==")
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", fields["HostName"])
	assert.Equal(t, "mod1", fields["ModuleId"])
	assert.Equal(t, "a2V5==", fields["SharedAccessKey"])

	_, err = ParseConnectionString("HostName=hub;DeviceId=dev1")
	assert.ErrorContains(t, err, "SharedAccessKey")

	_, err = ParseConnectionString("HostName")
	assert.Error(t, err)
}

func TestProvision_AutoPicksConnectionString(t *testing.T) {
	id, err := Provision(context.Background(), ProvisionOptions{
		ConnectionString: "HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=a2V5",
		Getenv:           func(string) string { return "" },
	}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", id.HubHost)
	assert.Equal(t, "dev1", id.DeviceID)
	assert.Empty(t, id.ModuleID)
	assert.Equal(t, "hub.example.net/devices/dev1", id.audience())
	assert.IsType(t, &KeySigner{}, id.Signer)
}

func TestProvision_ModuleNeedsModuleID(t *testing.T) {
	_, err := Provision(context.Background(), ProvisionOptions{
		Mode:             ModeConnectionString,
		Module:           true,
		ConnectionString: "HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=a2V5",
	}, quietLogger())
	assert.ErrorIs(t, err, ErrTwinKindMismatch)
}

func edgeEnv(workloadSocket string) map[string]string {
	return map[string]string{
		"IOTEDGE_IOTHUBHOSTNAME":     "hub.example.net",
		"IOTEDGE_DEVICEID":           "dev1",
		"IOTEDGE_MODULEID":           "mod1",
		"IOTEDGE_MODULEGENERATIONID": "gen1",
		"IOTEDGE_WORKLOADURI":        "unix://" + workloadSocket,
		"IOTEDGE_APIVERSION":         "2019-01-30",
	}
}

func serveModuleIdentity(t *testing.T) string {
	t.Helper()
	return serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"aziot","spec":{"hubName":"hub.example.net","deviceId":"dev1",
			"moduleId":"mod1","auth":{"type":"sas","keyHandle":"kh"}}}`))
	}))
}

func TestProvision_ModuleIdentityNeedsModuleTwin(t *testing.T) {
	env := edgeEnv("/nonexistent.sock")
	identity := serveModuleIdentity(t)

	tests := []struct {
		name string
		opts ProvisionOptions
	}{
		{"connection string", ProvisionOptions{
			ConnectionString: "HostName=hub.example.net;DeviceId=dev1;ModuleId=mod1;SharedAccessKey=a2V5",
			Getenv:           func(string) string { return "" },
		}},
		{"edge", ProvisionOptions{
			Getenv: func(k string) string { return env[k] },
		}},
		{"identity service", ProvisionOptions{
			Mode:           ModeIdentityService,
			IdentitySocket: identity,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Provision(context.Background(), tt.opts, quietLogger())
			assert.ErrorIs(t, err, ErrTwinKindMismatch)
			assert.ErrorContains(t, err, "TWIN_KIND=module")
		})
	}
}

func TestProvision_EdgeMissingEnvironment(t *testing.T) {
	env := map[string]string{"IOTEDGE_MODULEID": "mod1"}
	_, err := Provision(context.Background(), ProvisionOptions{
		Module: true,
		Getenv: func(k string) string { return env[k] },
	}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IOTEDGE_IOTHUBHOSTNAME")
	assert.Contains(t, err.Error(), "edge")
}

func TestProvision_EdgeSignsThroughWorkloadAPI(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	sock := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"digest": "ZGlnZXN0"})
	}))

	env := edgeEnv(sock)
	id, err := Provision(context.Background(), ProvisionOptions{
		Module: true,
		Getenv: func(k string) string { return env[k] },
	}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "mod1", id.ModuleID)

	sig, err := id.Signer.Sign(context.Background(), []byte("to sign"))
	require.NoError(t, err)
	assert.Equal(t, "ZGlnZXN0", sig)
	assert.Equal(t, "/modules/mod1/genid/gen1/sign?api-version=2019-01-30", gotPath)
	assert.Equal(t, "HMACSHA256", gotBody["algo"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("to sign")), gotBody["data"])
}

func TestProvision_IdentityService(t *testing.T) {
	identity := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identities/identity", r.URL.Path)
		_, _ = w.Write([]byte(`{"type":"aziot","spec":{"hubName":"hub.example.net","deviceId":"dev1",
			"moduleId":"mod1","auth":{"type":"sas","keyHandle":"kh"}}}`))
	}))
	var gotHandle string
	keyd := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			KeyHandle string `json:"keyHandle"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		gotHandle = in.KeyHandle
		_, _ = w.Write([]byte(`{"signature":"c2ln"}`))
	}))

	id, err := Provision(context.Background(), ProvisionOptions{
		Mode:           ModeIdentityService,
		Module:         true,
		IdentitySocket: identity,
		KeySocket:      keyd,
	}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", id.HubHost)
	assert.Equal(t, "mod1", id.ModuleID)

	token, err := sasToken(context.Background(), id.Signer, id.audience(), time.Unix(10, 0))
	require.NoError(t, err)
	assert.Equal(t, "kh", gotHandle)
	assert.True(t, strings.Contains(token, "sig="+url.QueryEscape("c2ln")))
}

func TestProvision_IdentityServiceError(t *testing.T) {
	identity := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	_, err := Provision(context.Background(), ProvisionOptions{
		Mode:           ModeIdentityService,
		IdentitySocket: identity,
	}, quietLogger())
	assert.ErrorContains(t, err, "403")
}
