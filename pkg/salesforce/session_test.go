package salesforce

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcepull/forcepull/pkg/config"
	"github.com/forcepull/forcepull/pkg/errors"
)

func TestLoginHostSelection(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		sandbox bool
		want    string
	}{
		{"production", "", false, "https://login.salesforce.com"},
		{"sandbox", "", true, "https://test.salesforce.com"},
		{"my domain wins", "acme", true, "https://acme.my.salesforce.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewConfig()
			cfg.Auth.Domain = tt.domain
			cfg.API.Sandbox = tt.sandbox
			assert.Equal(t, tt.want, loginHost(cfg))
		})
	}
}

func TestDoSoapLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "login", r.Header.Get("SOAPAction"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<n1:username>ada@example.com</n1:username>")
		assert.Contains(t, string(body), "<n1:password>hunter2TOKEN</n1:password>")

		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
    xmlns="urn:partner.soap.sforce.com">
  <soapenv:Body>
    <loginResponse>
      <result>
        <serverUrl>https://na139.salesforce.com/services/Soap/u/52.0/00D123</serverUrl>
        <sessionId>00D123!session</sessionId>
      </result>
    </loginResponse>
  </soapenv:Body>
</soapenv:Envelope>`)
	}))
	defer server.Close()

	instanceURL, sessionID, err := doSoapLogin(context.Background(), server.Client(),
		server.URL+"/services/Soap/u/52.0", "ada@example.com", "hunter2TOKEN")
	require.NoError(t, err)

	assert.Equal(t, "https://na139.salesforce.com", instanceURL)
	assert.Equal(t, "00D123!session", sessionID)
}

func TestDoSoapLoginFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">
  <soapenv:Body>
    <soapenv:Fault>
      <faultcode>INVALID_LOGIN</faultcode>
      <faultstring>INVALID_LOGIN: Invalid username, password, security token; or user locked out.</faultstring>
    </soapenv:Fault>
  </soapenv:Body>
</soapenv:Envelope>`)
	}))
	defer server.Close()

	_, _, err := doSoapLogin(context.Background(), server.Client(),
		server.URL+"/services/Soap/u/52.0", "ada@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Contains(t, err.Error(), "INVALID_LOGIN")
}

func TestXMLEscape(t *testing.T) {
	assert.Equal(t, "a&amp;b&lt;c&gt;", xmlEscape("a&b<c>"))
}

func TestAuthenticateRejectsIncompleteCredentials(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Auth = config.AuthConfig{
		Method:   config.LoginSecurityToken,
		Username: "ada@example.com",
		// password and token missing
	}

	_, err := Authenticate(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSessionRestPath(t *testing.T) {
	sess := NewSession("https://na139.salesforce.com/", "tok", "52.0")
	assert.Equal(t,
		"https://na139.salesforce.com/services/data/v52.0/query",
		sess.RestPath("/query"))
}

func TestSessionDoSetsAuthHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		fmt.Fprint(w, "{}")
	}))
	defer server.Close()

	sess := NewSession(server.URL, "tok", "52.0")
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := sess.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestNewHTTPClientDefaults(t *testing.T) {
	hc := newHTTPClient(0, 0)
	assert.Equal(t, 30*time.Second, hc.Timeout)

	// The connection timeout is carried by the transport's dialer
	transport, ok := hc.Transport.(*http.Transport)
	require.True(t, ok)
	assert.NotNil(t, transport.DialContext)
}

func TestSoapEnvelopeEscapesCredentials(t *testing.T) {
	body := fmt.Sprintf(soapLoginEnvelope, xmlEscape("user"), xmlEscape(`p<&>w`))
	assert.False(t, strings.Contains(body, "p<&>w"))
	assert.Contains(t, body, "p&lt;&amp;&gt;w")
}
